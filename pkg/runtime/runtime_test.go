package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/octolabd/pkg/types"
)

func TestNoopRuntimeSatisfiesLabRuntime(t *testing.T) {
	var r LabRuntime = NoopRuntime{}
	assert.Equal(t, types.RuntimeNoop, r.Kind())

	lab := &types.Lab{ID: uuid.New()}
	meta, err := r.CreateLab(context.Background(), lab, types.CreateEnv{LabID: lab.ID.String()})
	require.NoError(t, err)
	assert.NotNil(t, meta)

	result, err := r.DestroyLab(context.Background(), lab)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestProjectNameIsNormalized(t *testing.T) {
	assert.Equal(t, "octolab_550e8400-e29b-41d4-a716-446655440000",
		ProjectName("550e8400-e29b-41d4-a716-446655440000"))
}

func TestEvidenceVolumeNamesFollowProjectConvention(t *testing.T) {
	names := evidenceVolumeNames("550e8400-e29b-41d4-a716-446655440000")
	assert.Equal(t, []string{
		"octolab_550e8400-e29b-41d4-a716-446655440000_evidence_user",
		"octolab_550e8400-e29b-41d4-a716-446655440000_evidence_auth",
		"octolab_550e8400-e29b-41d4-a716-446655440000_lab_pcap",
	}, names)
}

func TestRunCommandRedactsSecrets(t *testing.T) {
	result := runCommand(context.Background(), "", nil, "echo", "password=hunter2")
	assert.Equal(t, 0, result.ExitCode)
	assert.NotContains(t, result.Stdout, "hunter2")
}

func TestTapDeviceNameIsBounded(t *testing.T) {
	name := tapDeviceName("550e8400-e29b-41d4-a716-446655440000")
	assert.LessOrEqual(t, len(name), 15, "Linux interface names must fit IFNAMSIZ")
}

func TestNATCommentUsesLast12Chars(t *testing.T) {
	comment := natComment("550e8400-e29b-41d4-a716-446655440000")
	assert.Equal(t, "octolab_446655440000", comment)
}

func TestDirHasFilesFalseForMissingOrEmptyDir(t *testing.T) {
	assert.False(t, dirHasFiles(filepath.Join(t.TempDir(), "does-not-exist")))

	empty := t.TempDir()
	assert.False(t, dirHasFiles(empty))
	require.NoError(t, os.Mkdir(filepath.Join(empty, "subdir"), 0700))
	assert.False(t, dirHasFiles(empty), "an empty subdirectory alone is not a file")
}

func TestDirHasFilesTrueWhenNestedFileExists(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "session.jsonl"), []byte("{}"), 0600))
	assert.True(t, dirHasFiles(root))
}

func TestNoopRuntimeReportsNoEvidenceArtifacts(t *testing.T) {
	var r LabRuntime = NoopRuntime{}
	lab := &types.Lab{ID: uuid.New()}
	artifacts, err := r.EvidenceArtifactsForLab(context.Background(), lab)
	require.NoError(t, err)
	assert.False(t, artifacts.Any())
	assert.NoError(t, r.DeleteEvidenceArtifacts(context.Background(), lab))
}

func TestMicroVMEvidenceArtifactsProbesEvidenceRootNotStateRoot(t *testing.T) {
	stateRoot := t.TempDir()
	evidenceRoot := t.TempDir()
	m := NewMicroVMRuntime(MicroVMConfig{StateRoot: stateRoot, EvidenceRoot: evidenceRoot})

	lab := &types.Lab{ID: uuid.New()}

	artifacts, err := m.EvidenceArtifactsForLab(context.Background(), lab)
	require.NoError(t, err)
	assert.False(t, artifacts.Any(), "freshly configured lab has no evidence yet")

	require.NoError(t, m.ensureEvidenceDirs(lab.ID.String()))
	tlogDir := filepath.Join(evidenceRoot, labDirName(lab.ID.String()), "tlog")
	require.NoError(t, os.WriteFile(filepath.Join(tlogDir, "session.jsonl"), []byte("{}"), 0600))

	artifacts, err = m.EvidenceArtifactsForLab(context.Background(), lab)
	require.NoError(t, err)
	assert.True(t, artifacts.TerminalLogs)
	assert.False(t, artifacts.Pcap)

	require.NoError(t, m.DeleteEvidenceArtifacts(context.Background(), lab))
	artifacts, err = m.EvidenceArtifactsForLab(context.Background(), lab)
	require.NoError(t, err)
	assert.False(t, artifacts.Any(), "deletion removes the evidence dir entirely")
}
