package runtime

import (
	"context"

	"github.com/cuemby/octolabd/pkg/types"
)

// NoopRuntime is the test/dev backend: it performs no subprocess or
// filesystem work and always reports success.
type NoopRuntime struct{}

func (NoopRuntime) Kind() types.RuntimeKind { return types.RuntimeNoop }

func (NoopRuntime) CreateLab(ctx context.Context, lab *types.Lab, env types.CreateEnv) (types.RuntimeMeta, error) {
	return types.RuntimeMeta{"noop": true}, nil
}

func (NoopRuntime) DestroyLab(ctx context.Context, lab *types.Lab) (types.TeardownResult, error) {
	return types.TeardownResult{Success: true}, nil
}

func (NoopRuntime) ResourcesExistForLab(ctx context.Context, lab *types.Lab) (bool, error) {
	return false, nil
}

func (NoopRuntime) EvidenceArtifactsForLab(ctx context.Context, lab *types.Lab) (types.EvidenceArtifacts, error) {
	return types.EvidenceArtifacts{}, nil
}

func (NoopRuntime) DeleteEvidenceArtifacts(ctx context.Context, lab *types.Lab) error {
	return nil
}
