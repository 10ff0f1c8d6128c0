package apperrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/apperrors"
)

func TestKindOfAndTransportMessage(t *testing.T) {
	cases := []struct {
		err  error
		kind apperrors.Kind
		msg  string
	}{
		{apperrors.Validation("bad expr", nil), apperrors.KindValidation, "invalid argument"},
		{apperrors.Permission("escape", nil), apperrors.KindPermission, "permission denied"},
		{apperrors.Resource("pool exhausted", nil), apperrors.KindResource, "resource exhausted"},
		{apperrors.Timeout("deadline", nil), apperrors.KindTimeout, "deadline exceeded"},
		{apperrors.Availability("breaker open", nil), apperrors.KindAvailability, "unavailable"},
		{apperrors.Integrity("bad crc", nil), apperrors.KindIntegrity, "internal"},
		{apperrors.Internal("io error", nil), apperrors.KindInternal, "internal"},
		{errors.New("plain"), apperrors.KindInternal, "internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, apperrors.KindOf(tc.err))
		assert.Equal(t, tc.msg, apperrors.TransportMessage(apperrors.KindOf(tc.err)))
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := apperrors.Internal("write failed", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "write failed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, apperrors.ClassPermanent, apperrors.Classify(apperrors.Validation("x", nil)))
	assert.Equal(t, apperrors.ClassTimeout, apperrors.Classify(apperrors.Timeout("x", nil)))
	assert.Equal(t, apperrors.ClassRateLimit, apperrors.Classify(apperrors.Resource("x", nil)))
	assert.Equal(t, apperrors.ClassNetwork, apperrors.Classify(apperrors.Availability("x", nil)))
	assert.Equal(t, apperrors.ClassUnknown, apperrors.Classify(errors.New("plain")))

	assert.False(t, apperrors.ClassPermanent.Retryable())
	assert.True(t, apperrors.ClassNetwork.Retryable())
	assert.Equal(t, 5, apperrors.ClassRateLimit.BaseDelay())
}
