// Package verify runs a smoke check inside a provisioned environment.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/blackwell-systems/gpuprov/internal/venv"
)

// probe prints a single JSON object describing the installed framework. The
// marker lets the parser skip any warnings the framework prints on import.
const probe = `
import json
import torch
try:
    import torchvision
    vision = torchvision.__version__
except Exception:
    vision = ""
available = bool(torch.cuda.is_available())
count = torch.cuda.device_count() if available else 0
name = torch.cuda.get_device_name(0) if count > 0 else ""
print("GPUPROV_PROBE " + json.dumps({
    "torch_version": torch.__version__,
    "vision_version": vision,
    "accelerator_available": available,
    "device_count": count,
    "device_name": name,
}))
`

const marker = "GPUPROV_PROBE "

// Report is what the probe found.
type Report struct {
	TorchVersion         string `json:"torch_version"`
	VisionVersion        string `json:"vision_version"`
	AcceleratorAvailable bool   `json:"accelerator_available"`
	DeviceCount          int    `json:"device_count"`
	DeviceName           string `json:"device_name"`
}

// VerifyError reports a failed smoke check.
type VerifyError struct {
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification failed: %s: %v", e.Reason, e.Err)
	}
	return "verification failed: " + e.Reason
}

func (e *VerifyError) Unwrap() error { return e.Err }

// Verifier runs the probe.
type Verifier struct {
	requireAccelerator bool
	log                log.FieldLogger
}

// New creates a Verifier. With requireAccelerator set, a framework that
// imports but sees no GPU is a failure.
func New(requireAccelerator bool, logger log.FieldLogger) *Verifier {
	return &Verifier{requireAccelerator: requireAccelerator, log: logger}
}

// Verify imports the framework inside env and reports what it sees.
func (v *Verifier) Verify(ctx context.Context, env *venv.Environment) (*Report, error) {
	out, err := env.Run(ctx, "-c", probe)
	if err != nil {
		return nil, &VerifyError{Reason: "probe did not run", Err: err}
	}

	report, err := parse(out)
	if err != nil {
		return nil, &VerifyError{Reason: "unreadable probe output", Err: err}
	}

	v.log.Infof("torch %s, torchvision %s", report.TorchVersion, orNone(report.VisionVersion))
	if report.AcceleratorAvailable {
		v.log.Infof("Accelerator available: %d device(s), first is %s", report.DeviceCount, report.DeviceName)
	} else {
		v.log.Warn("No accelerator visible to the framework")
		if v.requireAccelerator {
			return report, &VerifyError{Reason: "no accelerator available to torch"}
		}
	}
	return report, nil
}

func parse(out []byte) (*Report, error) {
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte(marker)) {
			continue
		}
		var r Report
		if err := json.Unmarshal(line[len(marker):], &r); err != nil {
			return nil, err
		}
		if r.TorchVersion == "" {
			return nil, fmt.Errorf("torch_version missing")
		}
		return &r, nil
	}
	return nil, fmt.Errorf("no probe line in output %q", truncate(string(out), 200))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
