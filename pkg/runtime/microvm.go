package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/octolabd/pkg/errkind"
	"github.com/cuemby/octolabd/pkg/log"
	"github.com/cuemby/octolabd/pkg/pathsafe"
	"github.com/cuemby/octolabd/pkg/security"
	"github.com/cuemby/octolabd/pkg/types"
)

// MicroVMRuntime implements LabRuntime over Firecracker. Each lab gets a
// state directory <stateRoot>/lab_<uuid>/ holding the VM's socket, rootfs
// overlay, logs, token, and pid file — never referenced by full path
// outside this package.
type MicroVMRuntime struct {
	stateRoot        string
	evidenceRoot     string
	baseRootfsPath   string
	kernelImagePath  string
	jailerBinary     string
	firecrackerBin   string
	useJailer        bool
	handshakeTimeout time.Duration
}

// MicroVMConfig configures a MicroVMRuntime.
type MicroVMConfig struct {
	StateRoot string
	// EvidenceRoot holds evidence that must survive DestroyLab's hardened
	// wipe of StateRoot — a separate directory, never a subdirectory of it.
	EvidenceRoot     string
	BaseRootfsPath   string
	KernelImagePath  string
	JailerBinary     string
	FirecrackerBin   string
	UseJailer        bool
	HandshakeTimeout time.Duration
}

// NewMicroVMRuntime builds a MicroVMRuntime from cfg, filling in defaults.
func NewMicroVMRuntime(cfg MicroVMConfig) *MicroVMRuntime {
	if cfg.JailerBinary == "" {
		cfg.JailerBinary = "jailer"
	}
	if cfg.FirecrackerBin == "" {
		cfg.FirecrackerBin = "firecracker"
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &MicroVMRuntime{
		stateRoot:        cfg.StateRoot,
		evidenceRoot:     cfg.EvidenceRoot,
		baseRootfsPath:   cfg.BaseRootfsPath,
		kernelImagePath:  cfg.KernelImagePath,
		jailerBinary:     cfg.JailerBinary,
		firecrackerBin:   cfg.FirecrackerBin,
		useJailer:        cfg.UseJailer,
		handshakeTimeout: cfg.HandshakeTimeout,
	}
}

func (m *MicroVMRuntime) Kind() types.RuntimeKind { return types.RuntimeMicroVM }

func labDirName(labID string) string { return "lab_" + labID }

func (m *MicroVMRuntime) labDir(labID string) (string, error) {
	return pathsafe.ResolveUnderBase(m.stateRoot, labDirName(labID))
}

func (m *MicroVMRuntime) evidenceDir(labID string) (string, error) {
	return pathsafe.ResolveUnderBase(m.evidenceRoot, labDirName(labID))
}

func tapDeviceName(labID string) string {
	short := strings.ReplaceAll(labID, "-", "")
	if len(short) > 11 {
		short = short[:11]
	}
	return "tap_" + short
}

func natComment(labID string) string {
	last12 := labID
	if len(labID) > 12 {
		last12 = labID[len(labID)-12:]
	}
	return "octolab_" + last12
}

// CreateLab runs the full microVM lifecycle of spec §4.D.2: allocate state
// dir, overlay rootfs, start the VM, configure networking, and wait for the
// guest agent's readiness handshake.
func (m *MicroVMRuntime) CreateLab(ctx context.Context, lab *types.Lab, env types.CreateEnv) (types.RuntimeMeta, error) {
	logger := log.WithLab(lab)

	dir, err := m.labDir(env.LabID)
	if err != nil {
		return nil, fmt.Errorf("resolve lab dir: %w", err)
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create lab state dir: %w", err)
		}
	}

	rootfsPath := filepath.Join(dir, "rootfs.ext4")
	if _, err := os.Stat(rootfsPath); os.IsNotExist(err) {
		if err := copyFile(m.baseRootfsPath, rootfsPath); err != nil {
			return nil, fmt.Errorf("overlay rootfs: %w", err)
		}
	}

	token, err := security.GenerateLabToken()
	if err != nil {
		return nil, fmt.Errorf("generate lab token: %w", err)
	}
	tokenPath := filepath.Join(dir, ".token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return nil, fmt.Errorf("write lab token: %w", err)
	}

	sockPath := filepath.Join(dir, "firecracker.sock")
	logPath := filepath.Join(dir, "firecracker.log")
	pidPath := filepath.Join(dir, "firecracker.pid")

	bin := m.firecrackerBin
	args := []string{"--api-sock", sockPath, "--log-path", logPath}
	if m.useJailer {
		bin = m.jailerBinary
	}

	// Firecracker is a long-running VMM supervisor, not a one-shot command:
	// it must be launched detached, never awaited by runCommand's blocking
	// cmd.Run(), or a healthy VM gets killed the moment any timeout fires.
	proc, err := startDetachedProcess(dir, envFromCreateEnv(env), logPath, bin, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: start microVM: %s", errkind.ErrBackendCommandFailure, err)
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(proc.Pid)), 0600); err != nil {
		_ = killProcess(proc.Pid)
		return nil, fmt.Errorf("write firecracker pid: %w", err)
	}

	tap := tapDeviceName(env.LabID)
	if err := m.configureNetwork(ctx, tap, env.LabID); err != nil {
		_ = killProcess(proc.Pid)
		return nil, fmt.Errorf("configure network: %w", err)
	}

	if err := m.waitForHandshake(ctx, sockPath); err != nil {
		_ = killProcess(proc.Pid)
		return nil, fmt.Errorf("guest handshake: %w", err)
	}

	if err := m.ensureEvidenceDirs(env.LabID); err != nil {
		logger.Warn().Err(err).Msg("evidence dir setup failed")
	}

	logger.Info().Str("tap", tap).Int("firecracker_pid", proc.Pid).Msg("microVM lab ready")

	return types.RuntimeMeta{
		"socket_basename": filepath.Base(sockPath),
		"tap_device":      tap,
		"token_present":   true,
		"firecracker_pid": proc.Pid,
	}, nil
}

// ensureEvidenceDirs creates the per-lab evidence subdirectories the guest
// agent and packet capture sidecar write into, under evidenceRoot rather
// than stateRoot so they survive DestroyLab's hardened state-dir wipe.
func (m *MicroVMRuntime) ensureEvidenceDirs(labID string) error {
	dir, err := m.evidenceDir(labID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, "tlog"), 0700); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(dir, "pcap"), 0700)
}

// DestroyLab runs the tiered cleanup of spec §4.D.2: graceful shutdown,
// then targeted resource teardown, then an honest verify-remaining pass.
func (m *MicroVMRuntime) DestroyLab(ctx context.Context, lab *types.Lab) (types.TeardownResult, error) {
	labID := lab.ID.String()
	dir, err := m.labDir(labID)
	if err != nil {
		return types.TeardownResult{}, fmt.Errorf("resolve lab dir: %w", err)
	}

	pid := m.readPID(dir)
	sockPath := filepath.Join(dir, "firecracker.sock")

	// Tier 1: graceful shutdown, bounded.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	m.sendShutdown(shutdownCtx, sockPath)
	cancel()

	if pid > 0 && processAlive(pid) {
		_ = killProcess(pid)
	}

	// Tier 2: targeted cleanup.
	tap := tapDeviceName(labID)
	_ = m.removeTapDevice(ctx, tap)
	_ = m.removeNATRule(ctx, labID)
	if err := pathsafe.HardenedRemoveAll(dir); err != nil {
		log.WithLabID(labID).Warn().Err(err).Msg("hardened state dir removal failed")
	}

	// Tier 3: verify-remaining.
	stillRunning := pid > 0 && processAlive(pid)
	_, statErr := os.Stat(dir)
	stateDirRemains := statErr == nil
	tapRemains := m.tapDeviceExists(ctx, tap)

	success := !stillRunning && !stateDirRemains && !tapRemains
	remaining := 0
	if stillRunning {
		remaining++
	}
	if tapRemains {
		remaining++
	}

	return types.TeardownResult{
		Success:             success,
		ContainersRemaining: remaining,
		NetworksRemaining:   boolToInt(tapRemains),
	}, nil
}

// ResourcesExistForLab enumerates process, state dir, and tap device — the
// same three checks DestroyLab's tier 3 uses, so reconciliation and destroy
// agree on what "gone" means.
func (m *MicroVMRuntime) ResourcesExistForLab(ctx context.Context, lab *types.Lab) (bool, error) {
	labID := lab.ID.String()
	dir, err := m.labDir(labID)
	if err != nil {
		return false, fmt.Errorf("resolve lab dir: %w", err)
	}
	if _, err := os.Stat(dir); err == nil {
		return true, nil
	}
	pid := m.readPID(dir)
	if pid > 0 && processAlive(pid) {
		return true, nil
	}
	if m.tapDeviceExists(ctx, tapDeviceName(labID)) {
		return true, nil
	}
	return false, nil
}

// EvidenceArtifactsForLab probes the lab's evidence directory under
// evidenceRoot, never the (by now possibly already-wiped) state dir.
func (m *MicroVMRuntime) EvidenceArtifactsForLab(ctx context.Context, lab *types.Lab) (types.EvidenceArtifacts, error) {
	dir, err := m.evidenceDir(lab.ID.String())
	if err != nil {
		return types.EvidenceArtifacts{}, fmt.Errorf("resolve evidence dir: %w", err)
	}
	return types.EvidenceArtifacts{
		TerminalLogs: dirHasFiles(filepath.Join(dir, "tlog")),
		Pcap:         dirHasFiles(filepath.Join(dir, "pcap")),
	}, nil
}

// DeleteEvidenceArtifacts removes the lab's evidence directory. A missing
// directory is not an error.
func (m *MicroVMRuntime) DeleteEvidenceArtifacts(ctx context.Context, lab *types.Lab) error {
	dir, err := m.evidenceDir(lab.ID.String())
	if err != nil {
		return fmt.Errorf("resolve evidence dir: %w", err)
	}
	return pathsafe.HardenedRemoveAll(dir)
}

func (m *MicroVMRuntime) readPID(dir string) int {
	data, err := os.ReadFile(filepath.Join(dir, "firecracker.pid"))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func (m *MicroVMRuntime) sendShutdown(ctx context.Context, sockPath string) {
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		return
	}
	defer conn.Close() //nolint:errcheck
	_, _ = conn.Write([]byte("PUT /actions HTTP/1.1\r\n\r\n{\"action_type\":\"SendCtrlAltDel\"}"))
}

func (m *MicroVMRuntime) configureNetwork(ctx context.Context, tap, labID string) error {
	ipCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r := runCommand(ipCtx, "", nil, "ip", "tuntap", "add", "dev", tap, "mode", "tap")
	if r.ExitCode != 0 && !strings.Contains(r.Stderr, "File exists") {
		return fmt.Errorf("create tap device: %s", r.Stderr)
	}

	natCtx, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	r2 := runCommand(natCtx, "", nil, "iptables", "-t", "nat", "-A", "POSTROUTING",
		"-o", tap, "-j", "MASQUERADE", "-m", "comment", "--comment", natComment(labID))
	if r2.ExitCode != 0 {
		return fmt.Errorf("add NAT rule: %s", r2.Stderr)
	}
	return nil
}

func (m *MicroVMRuntime) removeTapDevice(ctx context.Context, tap string) error {
	r := runCommand(ctx, "", nil, "ip", "link", "delete", tap)
	if r.ExitCode != 0 && !strings.Contains(r.Stderr, "Cannot find device") {
		return fmt.Errorf("remove tap device: %s", r.Stderr)
	}
	return nil
}

func (m *MicroVMRuntime) tapDeviceExists(ctx context.Context, tap string) bool {
	r := runCommand(ctx, "", nil, "ip", "link", "show", tap)
	return r.ExitCode == 0
}

// removeNATRule searches the NAT chain for the lab's comment and removes
// only matching entries — it never flushes the chain.
func (m *MicroVMRuntime) removeNATRule(ctx context.Context, labID string) error {
	comment := natComment(labID)
	r := runCommand(ctx, "", nil, "iptables", "-t", "nat", "-S", "POSTROUTING")
	if r.ExitCode != 0 {
		return fmt.Errorf("list NAT rules: %s", r.Stderr)
	}
	for _, line := range nonEmptyLines(r.Stdout) {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" || !strings.Contains(line, comment) {
			continue
		}
		args := append([]string{"-t", "nat", "-D"}, fields[1:]...)
		_ = runCommand(ctx, "", nil, "iptables", args...)
	}
	return nil
}

func (m *MicroVMRuntime) waitForHandshake(ctx context.Context, sockPath string) error {
	deadline := time.Now().Add(m.handshakeTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: guest agent did not signal readiness within %s", errkind.ErrProvisioningTimeout, m.handshakeTimeout)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close() //nolint:errcheck

	_, err = io.Copy(out, in)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
