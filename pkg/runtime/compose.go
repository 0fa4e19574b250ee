package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/octolabd/pkg/errkind"
	"github.com/cuemby/octolabd/pkg/log"
	"github.com/cuemby/octolabd/pkg/pathsafe"
	"github.com/cuemby/octolabd/pkg/types"
)

// networkPoolWarnThreshold is the OctoLab-pattern-network count past which
// ComposeRuntime's failure diagnostics include a pool-exhaustion hint.
const networkPoolWarnThreshold = 200

// ComposeRuntime implements LabRuntime over the docker compose CLI. One
// compose project owns exactly the containers, lab networks, and per-lab
// evidence volumes for a single lab id — it never touches anything outside
// that scheme.
type ComposeRuntime struct {
	projectsRoot string // base dir under which <project>/docker-compose.yml lives
	composeBin   string
}

// NewComposeRuntime builds a ComposeRuntime rooted at projectsRoot.
func NewComposeRuntime(projectsRoot string) *ComposeRuntime {
	return &ComposeRuntime{projectsRoot: projectsRoot, composeBin: "docker"}
}

func (c *ComposeRuntime) Kind() types.RuntimeKind { return types.RuntimeCompose }

// ProjectName returns the strict, normalized compose project name for a lab.
func ProjectName(labID string) string {
	return "octolab_" + strings.ToLower(labID)
}

func labNetworkName(labID string) string    { return ProjectName(labID) + "_lab_net" }
func egressNetworkName(labID string) string { return ProjectName(labID) + "_egress_net" }

// evidenceVolumeNames returns the named volumes a compose project's
// docker-compose.yml mounts for evidence, per spec §4.D.1.
func evidenceVolumeNames(labID string) []string {
	project := ProjectName(labID)
	return []string{
		project + "_evidence_user",
		project + "_evidence_auth",
		project + "_lab_pcap",
	}
}

func (c *ComposeRuntime) projectDir(labID string) (string, error) {
	return pathsafe.ResolveUnderBase(c.projectsRoot, ProjectName(labID))
}

// CreateLab brings up the lab's compose project. Idempotent: `compose up`
// against an already-running project is a no-op success.
func (c *ComposeRuntime) CreateLab(ctx context.Context, lab *types.Lab, env types.CreateEnv) (types.RuntimeMeta, error) {
	logger := log.WithLab(lab)

	dir, err := c.projectDir(env.LabID)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}

	if err := c.sweepStaleNetworks(ctx, env.LabID); err != nil {
		logger.Warn().Err(err).Msg("preflight network sweep failed, continuing")
	}

	project := ProjectName(env.LabID)
	cmdEnv := envFromCreateEnv(env)

	result := runCommand(ctx, dir, cmdEnv, c.composeBin,
		"compose", "--project-name", project, "--project-directory", dir, "up", "-d")

	if result.ExitCode != 0 {
		diag := c.collectDiagnostics(ctx, dir, project)
		logger.Warn().Str("ps", diag.PS).Str("logs", diag.Logs).Str("config", diag.Config).
			Int("total_networks", diag.TotalNetworks).Int("octolab_networks", diag.OctoLabNetworks).
			Msg("compose up failed")
		return nil, classifyComposeFailure(result, diag)
	}

	meta := types.RuntimeMeta{
		"project_name": project,
		"lab_net":      labNetworkName(env.LabID),
		"egress_net":   egressNetworkName(env.LabID),
	}
	return meta, nil
}

// DestroyLab tears down the lab's compose project and verifies truthfully
// that no containers or networks for it remain.
func (c *ComposeRuntime) DestroyLab(ctx context.Context, lab *types.Lab) (types.TeardownResult, error) {
	labID := lab.ID.String()
	dir, err := c.projectDir(labID)
	if err != nil {
		return types.TeardownResult{}, fmt.Errorf("resolve project dir: %w", err)
	}
	project := ProjectName(labID)

	downCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	_ = runCommand(downCtx, dir, nil, c.composeBin,
		"compose", "--project-name", project, "--project-directory", dir, "down", "--volumes", "--remove-orphans")

	containers, err := c.countProjectContainers(ctx, project)
	if err != nil {
		return types.TeardownResult{}, fmt.Errorf("count remaining containers: %w", err)
	}
	networks, err := c.countProjectNetworks(ctx, labID)
	if err != nil {
		return types.TeardownResult{}, fmt.Errorf("count remaining networks: %w", err)
	}

	return types.TeardownResult{
		Success:             containers == 0 && networks == 0,
		ContainersRemaining: containers,
		NetworksRemaining:   networks,
	}, nil
}

// ResourcesExistForLab is a cheap probe: any container labeled with this
// lab's compose project still present.
func (c *ComposeRuntime) ResourcesExistForLab(ctx context.Context, lab *types.Lab) (bool, error) {
	project := ProjectName(lab.ID.String())
	n, err := c.countProjectContainers(ctx, project)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EvidenceArtifactsForLab probes the lab's evidence volumes directly on the
// host filesystem via their docker-reported mountpoint, never via a
// database event count.
func (c *ComposeRuntime) EvidenceArtifactsForLab(ctx context.Context, lab *types.Lab) (types.EvidenceArtifacts, error) {
	labID := lab.ID.String()
	var artifacts types.EvidenceArtifacts
	for _, vol := range evidenceVolumeNames(labID) {
		mountpoint, ok := c.volumeMountpoint(ctx, vol)
		if !ok {
			continue
		}
		hasFiles := dirHasFiles(mountpoint)
		if !hasFiles {
			continue
		}
		if vol == ProjectName(labID)+"_lab_pcap" {
			artifacts.Pcap = true
		} else {
			artifacts.TerminalLogs = true
		}
	}
	return artifacts, nil
}

// DeleteEvidenceArtifacts removes the lab's evidence volumes. Missing
// volumes are not an error — "already gone" is success.
func (c *ComposeRuntime) DeleteEvidenceArtifacts(ctx context.Context, lab *types.Lab) error {
	for _, vol := range evidenceVolumeNames(lab.ID.String()) {
		result := runCommand(ctx, "", nil, c.composeBin, "volume", "rm", "-f", vol)
		if result.ExitCode != 0 && !strings.Contains(result.Stderr, "no such volume") {
			return fmt.Errorf("%w: remove volume %s exited %d: %s", errkind.ErrBackendCommandFailure, vol, result.ExitCode, result.Stderr)
		}
	}
	return nil
}

// volumeMountpoint resolves a named volume's host path. Returns ok=false
// for a volume that does not exist, rather than an error, since "no
// evidence yet" is an expected state for a freshly-created lab.
func (c *ComposeRuntime) volumeMountpoint(ctx context.Context, name string) (string, bool) {
	result := runCommand(ctx, "", nil, c.composeBin, "volume", "inspect", "--format", "{{.Mountpoint}}", name)
	if result.ExitCode != 0 {
		return "", false
	}
	mountpoint := strings.TrimSpace(result.Stdout)
	if mountpoint == "" {
		return "", false
	}
	return mountpoint, true
}

func (c *ComposeRuntime) countProjectContainers(ctx context.Context, project string) (int, error) {
	result := runCommand(ctx, "", nil, c.composeBin,
		"ps", "-a", "--filter", "label=com.docker.compose.project="+project, "--format", "{{.ID}}")
	if result.ExitCode != 0 {
		return 0, fmt.Errorf("%w: list containers exited %d: %s", errkind.ErrBackendCommandFailure, result.ExitCode, result.Stderr)
	}
	return countNonEmptyLines(result.Stdout), nil
}

func (c *ComposeRuntime) countProjectNetworks(ctx context.Context, labID string) (int, error) {
	result := runCommand(ctx, "", nil, c.composeBin,
		"network", "ls", "--filter", "name=octolab_"+strings.ToLower(labID), "--format", "{{.ID}}")
	if result.ExitCode != 0 {
		return 0, fmt.Errorf("%w: list networks exited %d: %s", errkind.ErrBackendCommandFailure, result.ExitCode, result.Stderr)
	}
	return countNonEmptyLines(result.Stdout), nil
}

// sweepStaleNetworks removes zero-container networks matching the strict
// lab-project pattern, up to a small bound. It never invokes a broad
// "prune" command.
func (c *ComposeRuntime) sweepStaleNetworks(ctx context.Context, labID string) error {
	const maxSweep = 8
	result := runCommand(ctx, "", nil, c.composeBin,
		"network", "ls", "--filter", "name=octolab_"+strings.ToLower(labID), "--format", "{{.ID}}")
	if result.ExitCode != 0 {
		return fmt.Errorf("list stale networks: %s", result.Stderr)
	}
	ids := nonEmptyLines(result.Stdout)
	if len(ids) > maxSweep {
		ids = ids[:maxSweep]
	}
	for _, id := range ids {
		_ = runCommand(ctx, "", nil, c.composeBin, "network", "rm", id)
	}
	return nil
}

// composeDiagnostics is the redacted failure bundle attached to internal
// logs, never returned to the client verbatim.
type composeDiagnostics struct {
	PS             string
	Logs           string
	Config         string
	TotalNetworks  int
	OctoLabNetworks int
}

func (c *ComposeRuntime) collectDiagnostics(ctx context.Context, dir, project string) composeDiagnostics {
	diagCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ps := runCommand(diagCtx, dir, nil, c.composeBin, "compose", "--project-name", project, "ps")
	logs := runCommand(diagCtx, dir, nil, c.composeBin, "compose", "--project-name", project, "logs", "--tail", "100")
	cfg := runCommand(diagCtx, dir, nil, c.composeBin, "compose", "--project-name", project, "config")

	totalNets := runCommand(diagCtx, "", nil, c.composeBin, "network", "ls", "--format", "{{.ID}}")
	octoNets := runCommand(diagCtx, "", nil, c.composeBin, "network", "ls", "--filter", "name=octolab_", "--format", "{{.ID}}")

	return composeDiagnostics{
		PS:              ps.Stdout,
		Logs:            logs.Stdout,
		Config:          cfg.Stdout,
		TotalNetworks:   countNonEmptyLines(totalNets.Stdout),
		OctoLabNetworks: countNonEmptyLines(octoNets.Stdout),
	}
}

func classifyComposeFailure(result CommandResult, diag composeDiagnostics) error {
	combined := result.Stderr + result.Stdout
	hint := ""
	if diag.OctoLabNetworks > networkPoolWarnThreshold {
		hint = " (hint: " + strconv.Itoa(diag.OctoLabNetworks) + " octolab-pattern networks present of " +
			strconv.Itoa(diag.TotalNetworks) + " total; likely network pool exhaustion)"
	}

	switch {
	case strings.Contains(combined, "could not find an available, non-overlapping IPv4 address pool"):
		return fmt.Errorf("%w: network pool exhausted%s", errkind.ErrBackendCommandFailure, hint)
	case strings.Contains(combined, "port is already allocated"):
		return fmt.Errorf("%w: port already in use", errkind.ErrBackendCommandFailure)
	default:
		return fmt.Errorf("%w: compose up exited %d: %s", errkind.ErrBackendCommandFailure, result.ExitCode, result.Stderr)
	}
}

func countNonEmptyLines(s string) int {
	return len(nonEmptyLines(s))
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}
