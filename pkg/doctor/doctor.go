// Package doctor implements the Runtime Doctor: it determines whether the
// host can successfully run a given backend right now and classifies
// findings by severity, per spec §4.B. Binary-version checks (compose,
// jailer) shell out through exec.CommandContext with a bounded timeout;
// the device check stats and opens the device node directly. Every
// path-shaped string in a report is redacted
// before it leaves the package.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cuemby/octolabd/pkg/pathsafe"
	"github.com/cuemby/octolabd/pkg/types"
)

// Severity classifies a CheckResult. A FATAL result blocks startup/override;
// a WARN never does.
type Severity string

const (
	SeverityFatal Severity = "FATAL"
	SeverityWarn  Severity = "WARN"
)

// CheckResult is the outcome of one doctor check.
type CheckResult struct {
	Name     string   `json:"name"`
	OK       bool     `json:"ok"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Hint     string   `json:"hint,omitempty"`
}

// Report is the full output of run_doctor for one backend.
type Report struct {
	Runtime types.RuntimeKind `json:"runtime"`
	OK      bool              `json:"ok"`
	Checks  []CheckResult     `json:"checks"`
}

// ErrNotReady is wrapped with the report summary by AssertReady.
var ErrNotReady = fmt.Errorf("backend-not-ready")

// Config is the subset of pkg/config.Config the doctor needs; kept narrow
// so the package has no import-time dependency on the full config struct.
type Config struct {
	StateRoot              string
	DevUnsafeAllowNoJailer bool
	ComposeBinary          string
	JailerBinary           string
	FirecrackerBinary      string
	KernelImagePath        string
	RootfsImagePath        string
	VsockDevicePath        string
	NetworkHelperSocket    string
	KVMDevicePath          string
}

func defaultConfig(cfg Config) Config {
	if cfg.ComposeBinary == "" {
		cfg.ComposeBinary = "docker"
	}
	if cfg.JailerBinary == "" {
		cfg.JailerBinary = "jailer"
	}
	if cfg.FirecrackerBinary == "" {
		cfg.FirecrackerBinary = "firecracker"
	}
	if cfg.KVMDevicePath == "" {
		cfg.KVMDevicePath = "/dev/kvm"
	}
	return cfg
}

// Run performs run_doctor() for the given runtime, returning a fully
// redacted report. It never returns an error itself — check failures are
// encoded as CheckResult entries, not Go errors.
func Run(ctx context.Context, runtime types.RuntimeKind, cfg Config) Report {
	cfg = defaultConfig(cfg)
	report := Report{Runtime: runtime}

	switch runtime {
	case types.RuntimeCompose:
		report.Checks = append(report.Checks, checkComposeCLI(ctx, cfg))
	case types.RuntimeMicroVM:
		report.Checks = append(report.Checks,
			checkComputeDevice(cfg),
			checkJailer(ctx, cfg),
			checkKernelImage(cfg),
			checkRootfsImage(cfg),
			checkStateDir(cfg),
			checkVsockDevice(cfg),
			checkNetworkHelperSocket(cfg),
		)
	case types.RuntimeNoop:
		report.Checks = append(report.Checks, CheckResult{
			Name: "noop-backend", OK: true, Severity: SeverityWarn,
			Message: "noop backend selected; no host checks performed",
		})
	default:
		report.Checks = append(report.Checks, CheckResult{
			Name: "unknown-runtime", OK: false, Severity: SeverityFatal,
			Message: fmt.Sprintf("unrecognized runtime %q", runtime),
		})
	}

	report.OK = true
	for _, c := range report.Checks {
		if c.Severity == SeverityFatal && !c.OK {
			report.OK = false
		}
	}
	return report
}

// AssertReady runs Run and, if not OK, returns an error wrapping
// ErrNotReady with a one-line, non-leaky summary — the form the startup
// sequence and the lab-create fast-fail path both use.
func AssertReady(ctx context.Context, runtime types.RuntimeKind, cfg Config) error {
	report := Run(ctx, runtime, cfg)
	if report.OK {
		return nil
	}
	for _, c := range report.Checks {
		if c.Severity == SeverityFatal && !c.OK {
			return fmt.Errorf("%w: %s: %s", ErrNotReady, c.Name, c.Message)
		}
	}
	return fmt.Errorf("%w: unspecified fatal check", ErrNotReady)
}

func checkComposeCLI(ctx context.Context, cfg Config) CheckResult {
	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, cfg.ComposeBinary, "compose", "version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return CheckResult{
			Name: "compose-cli", OK: false, Severity: SeverityFatal,
			Message: "compose CLI not reachable",
			Hint:    pathsafe.RedactSecrets(pathsafe.Truncate(string(out), 400)),
		}
	}
	return CheckResult{Name: "compose-cli", OK: true, Severity: SeverityFatal, Message: "compose CLI reachable"}
}

func checkComputeDevice(cfg Config) CheckResult {
	info, err := os.Stat(cfg.KVMDevicePath)
	if err != nil {
		return CheckResult{
			Name: "compute-device", OK: false, Severity: SeverityFatal,
			Message: "virtualization device node missing or unusable",
			Hint:    fmt.Sprintf("expected device at %s", pathsafe.RedactPath(cfg.KVMDevicePath, "STATE_ROOT", cfg.StateRoot)),
		}
	}
	if info.Mode()&os.ModeDevice == 0 {
		return CheckResult{
			Name: "compute-device", OK: false, Severity: SeverityFatal,
			Message: "path exists but is not a device node",
		}
	}
	f, err := os.OpenFile(cfg.KVMDevicePath, os.O_RDWR, 0)
	if err != nil {
		return CheckResult{
			Name: "compute-device", OK: false, Severity: SeverityFatal,
			Message: "virtualization device present but not openable read-write",
		}
	}
	f.Close() //nolint:errcheck
	return CheckResult{Name: "compute-device", OK: true, Severity: SeverityFatal, Message: "virtualization device ready"}
}

func checkJailer(ctx context.Context, cfg Config) CheckResult {
	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := exec.LookPath(cfg.JailerBinary)
	if err == nil {
		cmd := exec.CommandContext(cmdCtx, cfg.JailerBinary, "--version")
		_ = cmd.Run()
		return CheckResult{Name: "jailer", OK: true, Severity: SeverityFatal, Message: "jailer binary present"}
	}

	if cfg.DevUnsafeAllowNoJailer {
		return CheckResult{
			Name: "jailer", OK: false, Severity: SeverityWarn,
			Message: "jailer missing; downgraded to WARN by dev-unsafe override",
		}
	}
	return CheckResult{Name: "jailer", OK: false, Severity: SeverityFatal, Message: "jailer binary not found"}
}

func checkKernelImage(cfg Config) CheckResult {
	return checkReadableFile("kernel-image", cfg.KernelImagePath, cfg.StateRoot)
}

func checkRootfsImage(cfg Config) CheckResult {
	return checkReadableFile("rootfs-image", cfg.RootfsImagePath, cfg.StateRoot)
}

func checkStateDir(cfg Config) CheckResult {
	if cfg.StateRoot == "" {
		return CheckResult{Name: "state-dir", OK: false, Severity: SeverityFatal, Message: "state_root not configured"}
	}
	info, err := os.Stat(cfg.StateRoot)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Name: "state-dir", OK: false, Severity: SeverityFatal,
			Message: "state directory missing",
			Hint:    fmt.Sprintf("expected directory at %s", pathsafe.RedactPath(cfg.StateRoot, "STATE_ROOT", cfg.StateRoot)),
		}
	}
	return CheckResult{Name: "state-dir", OK: true, Severity: SeverityFatal, Message: "state directory present"}
}

func checkVsockDevice(cfg Config) CheckResult {
	return checkDeviceNode("vsock-device", cfg.VsockDevicePath, cfg.StateRoot)
}

func checkNetworkHelperSocket(cfg Config) CheckResult {
	if cfg.NetworkHelperSocket == "" {
		return CheckResult{Name: "network-helper-socket", OK: false, Severity: SeverityFatal, Message: "network helper socket not configured"}
	}
	if _, err := os.Stat(cfg.NetworkHelperSocket); err != nil {
		return CheckResult{
			Name: "network-helper-socket", OK: false, Severity: SeverityFatal,
			Message: "network helper socket missing",
			Hint:    fmt.Sprintf("expected socket at %s", pathsafe.RedactPath(cfg.NetworkHelperSocket, "STATE_ROOT", cfg.StateRoot)),
		}
	}
	return CheckResult{Name: "network-helper-socket", OK: true, Severity: SeverityFatal, Message: "network helper socket present"}
}

func checkReadableFile(name, path, stateRoot string) CheckResult {
	if path == "" {
		return CheckResult{Name: name, OK: false, Severity: SeverityFatal, Message: name + " path not configured"}
	}
	f, err := os.Open(path)
	if err != nil {
		return CheckResult{
			Name: name, OK: false, Severity: SeverityFatal,
			Message: name + " missing or unreadable",
			Hint:    fmt.Sprintf("expected file at %s", pathsafe.RedactPath(path, "STATE_ROOT", stateRoot)),
		}
	}
	f.Close() //nolint:errcheck
	return CheckResult{Name: name, OK: true, Severity: SeverityFatal, Message: name + " present"}
}

func checkDeviceNode(name, path, stateRoot string) CheckResult {
	if path == "" {
		return CheckResult{Name: name, OK: false, Severity: SeverityFatal, Message: name + " path not configured"}
	}
	if _, err := os.Stat(path); err != nil {
		return CheckResult{
			Name: name, OK: false, Severity: SeverityFatal,
			Message: name + " missing",
			Hint:    fmt.Sprintf("expected device at %s", pathsafe.RedactPath(path, "STATE_ROOT", stateRoot)),
		}
	}
	return CheckResult{Name: name, OK: true, Severity: SeverityFatal, Message: name + " present"}
}
