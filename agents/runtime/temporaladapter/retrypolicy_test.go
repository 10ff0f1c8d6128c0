package temporaladapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/engine"
)

func TestMergeRetryPoliciesOverridesOnlyNonZeroFields(t *testing.T) {
	base := engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2}
	override := engine.RetryPolicy{MaxAttempts: 5}

	merged := mergeRetryPolicies(base, override)
	require.Equal(t, 5, merged.MaxAttempts)
	require.Equal(t, time.Second, merged.InitialInterval)
	require.Equal(t, 2.0, merged.BackoffCoefficient)
}

func TestConvertRetryPolicyReturnsNilForZeroValue(t *testing.T) {
	require.Nil(t, convertRetryPolicy(engine.RetryPolicy{}))
}

func TestConvertRetryPolicyMapsFields(t *testing.T) {
	rp := convertRetryPolicy(engine.RetryPolicy{
		MaxAttempts:        10,
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 1.5,
	})
	require.NotNil(t, rp)
	require.Equal(t, int32(10), rp.MaximumAttempts)
	require.Equal(t, 2*time.Second, rp.InitialInterval)
	require.Equal(t, 1.5, rp.BackoffCoefficient)
}
