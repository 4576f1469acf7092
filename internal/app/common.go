package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-multierror/multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/blackwell-systems/gpuprov/internal/config"
	"github.com/blackwell-systems/gpuprov/internal/logging"
	"github.com/blackwell-systems/gpuprov/internal/pipeline"
	"github.com/blackwell-systems/gpuprov/internal/runner"
	"github.com/blackwell-systems/gpuprov/internal/store"
)

// ErrLocked is returned when another gpuprov run holds the state lock.
var ErrLocked = errors.New("another gpuprov run is in progress")

// geteuid is swapped out by tests.
var geteuid = unix.Geteuid

// loadConfig reads the config file and applies the global flag overrides.
// An explicitly named file must exist; the default location may be absent.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.Paths.StateDir = stateDir
	}
	if logFile != "" {
		cfg.Paths.LogFile = logFile
	}
	return cfg, nil
}

// session is everything one pipeline command needs: config, logger, runner
// and, outside dry-run, the state lock, history store and run record.
type session struct {
	cfg    *config.Config
	log    *log.Logger
	runner runner.Runner
	dryRun bool

	store *store.Store // nil in dry-run
	run   *store.Run   // nil in dry-run

	logCloser io.Closer
	lock      *os.File
	cancel    context.CancelFunc
}

// openSession prepares a run of the given kind. The returned context carries
// the run ID and the --timeout deadline. Callers must call finish.
func openSession(ctx context.Context, console io.Writer, kind string, dryRun bool) (*session, context.Context, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	s := &session{cfg: cfg, dryRun: dryRun}
	if timeout > 0 {
		ctx, s.cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, s.cancel = context.WithCancel(ctx)
	}

	if dryRun {
		// Nothing on disk changes in dry-run, the log file included.
		s.log, s.logCloser, err = logging.New(console, "")
		if err != nil {
			s.cancel()
			return nil, nil, err
		}
		s.runner = runner.DryRun{Log: s.log}
		return s, ctx, nil
	}

	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		s.cancel()
		return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if s.lock, err = acquireLock(cfg.LockPath()); err != nil {
		s.cancel()
		return nil, nil, err
	}
	if s.log, s.logCloser, err = logging.New(console, cfg.Paths.LogFile); err != nil {
		s.abort()
		return nil, nil, err
	}
	if s.store, err = store.Open(cfg.DBPath()); err != nil {
		s.abort()
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if s.run, err = s.store.StartRun(kind); err != nil {
		s.abort()
		return nil, nil, err
	}

	s.runner = runner.Exec{}
	return s, pipeline.WithRunID(ctx, s.run.ID), nil
}

// finish stamps the run record with runErr and releases everything the
// session holds.
func (s *session) finish(runErr error) error {
	var finishErr error
	if s.store != nil && s.run != nil {
		status, text := store.StatusSucceeded, ""
		if runErr != nil {
			status, text = store.StatusFailed, runErr.Error()
		}
		finishErr = s.store.FinishRun(s.run.ID, status, text)
	}
	return s.release(finishErr)
}

func (s *session) abort() {
	if err := s.release(nil); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func (s *session) release(prior error) error {
	var storeErr, lockErr, logErr error
	if s.cancel != nil {
		s.cancel()
	}
	if s.store != nil {
		storeErr = s.store.Close()
	}
	if s.lock != nil {
		lockErr = releaseLock(s.lock)
	}
	if s.logCloser != nil {
		logErr = s.logCloser.Close()
	}

	if prior != nil || storeErr != nil || lockErr != nil || logErr != nil {
		return multierror.Of(prior, storeErr, lockErr, logErr)
	}
	return nil
}

// acquireLock takes a non-blocking exclusive flock on path.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (lock %s is held)", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return f, nil
}

func releaseLock(f *os.File) error {
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", f.Name(), unlockErr)
	}
	return closeErr
}

// confirm asks a yes/no question on in and defaults to no.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)

	reader := bufio.NewReader(in)
	response, err := reader.ReadString('\n')
	if err != nil && response == "" {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
