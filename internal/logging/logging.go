// Package logging builds the step logger shared by both pipelines. Every
// entry is written as "YYYY-MM-DD HH:MM:SS - message" to the console and
// appended to a log file.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
)

// TimestampFormat is the layout used for the leading timestamp.
const TimestampFormat = "2006-01-02 15:04:05"

const fileMode = 0o644

// LineFormatter renders entries as "timestamp - message". Fields, if any,
// follow the message as sorted key=value pairs. Warnings and errors carry a
// level prefix so they stand out in the file.
type LineFormatter struct{}

// Format implements logrus.Formatter.
func (LineFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(entry.Time.Format(TimestampFormat))
	b.WriteString(" - ")

	switch entry.Level {
	case log.WarnLevel:
		b.WriteString("WARNING: ")
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		b.WriteString("ERROR: ")
	}
	b.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// New returns a logger writing to console and, when logFile is non-empty,
// appending to logFile. The returned closer releases the file.
func New(console io.Writer, logFile string) (*log.Logger, io.Closer, error) {
	logger := log.New()
	logger.SetFormatter(LineFormatter{})
	logger.SetLevel(log.InfoLevel)

	if logFile == "" {
		logger.SetOutput(console)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileMode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(console, f))
	return logger, f, nil
}

// Discard returns a logger that drops everything; used by tests that do
// not inspect log output.
func Discard() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	logger.SetFormatter(LineFormatter{})
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
