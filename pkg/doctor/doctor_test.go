package doctor

import (
	"context"
	"testing"

	"github.com/cuemby/octolabd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunNoopBackendAlwaysOK(t *testing.T) {
	report := Run(context.Background(), types.RuntimeNoop, Config{})
	assert.True(t, report.OK)
}

func TestRunUnknownRuntimeIsFatal(t *testing.T) {
	report := Run(context.Background(), types.RuntimeKind("bogus"), Config{})
	assert.False(t, report.OK)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, SeverityFatal, report.Checks[0].Severity)
}

func TestRunMicroVMMissingEverythingIsFatal(t *testing.T) {
	report := Run(context.Background(), types.RuntimeMicroVM, Config{StateRoot: "/nonexistent/octolab-doctor-test"})
	assert.False(t, report.OK)
	assert.NotEmpty(t, report.Checks)
}

func TestRunMicroVMDevUnsafeDowngradesJailerToWarn(t *testing.T) {
	report := Run(context.Background(), types.RuntimeMicroVM, Config{
		StateRoot:              "/nonexistent/octolab-doctor-test",
		DevUnsafeAllowNoJailer: true,
		JailerBinary:           "definitely-not-a-real-binary-xyz",
	})
	var jailer *CheckResult
	for i := range report.Checks {
		if report.Checks[i].Name == "jailer" {
			jailer = &report.Checks[i]
		}
	}
	require.NotNil(t, jailer)
	assert.Equal(t, SeverityWarn, jailer.Severity)
}

func TestAssertReadyReturnsNotReadyError(t *testing.T) {
	err := AssertReady(context.Background(), types.RuntimeMicroVM, Config{StateRoot: "/nonexistent/octolab-doctor-test"})
	require.Error(t, err)
}

func TestAssertReadyNoopIsReady(t *testing.T) {
	err := AssertReady(context.Background(), types.RuntimeNoop, Config{})
	assert.NoError(t, err)
}
