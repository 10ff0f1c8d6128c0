package settings_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/settings"
)

func newTestStore() *settings.Store {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	return settings.New(key)
}

func TestSetAndGetStringValue(t *testing.T) {
	s := newTestStore()
	raw, _ := json.Marshal("dark")
	s.Set("u1", "theme", settings.Value{Kind: settings.KindString, Raw: raw})

	v, ok := s.Get("u1", "theme")
	require.True(t, ok)
	str, ok := v.String()
	require.True(t, ok)
	require.Equal(t, "dark", str)
}

func TestDeleteRemovesValue(t *testing.T) {
	s := newTestStore()
	raw, _ := json.Marshal(true)
	s.Set("u1", "beta", settings.Value{Kind: settings.KindBoolean, Raw: raw})
	s.Delete("u1", "beta")

	_, ok := s.Get("u1", "beta")
	require.False(t, ok)
}

func TestListReturnsAllValuesForUser(t *testing.T) {
	s := newTestStore()
	raw, _ := json.Marshal("x")
	s.Set("u1", "a", settings.Value{Kind: settings.KindString, Raw: raw})
	s.Set("u1", "b", settings.Value{Kind: settings.KindString, Raw: raw})
	s.Set("u2", "a", settings.Value{Kind: settings.KindString, Raw: raw})

	list := s.List("u1")
	require.Len(t, list, 2)
}

func TestAPIKeyRoundTripsThroughEncryption(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.SetAPIKey("u1", settings.ProviderOpenAI, "sk-abcd1234"))

	plaintext, ok, err := s.GetAPIKeyForUse("u1", settings.ProviderOpenAI)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sk-abcd1234", plaintext)
}

func TestAPIKeyMaskedNeverExposesFullKey(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.SetAPIKey("u1", settings.ProviderAnthropic, "sk-abcd1234"))

	masked, ok, err := s.GetAPIKeyMasked("u1", settings.ProviderAnthropic)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "****1234", masked)
	require.NotContains(t, masked, "sk-abcd")
}

func TestSetAPIKeyRejectsUnknownProvider(t *testing.T) {
	s := newTestStore()
	err := s.SetAPIKey("u1", "bogus-provider", "sk-1")
	require.Error(t, err)
}

func TestDeleteAPIKeyRemovesIt(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.SetAPIKey("u1", settings.ProviderGroq, "gk-1"))
	s.DeleteAPIKey("u1", settings.ProviderGroq)

	_, ok, err := s.GetAPIKeyForUse("u1", settings.ProviderGroq)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMaskedReadWithShortKeyStillMasks(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.SetAPIKey("u1", settings.ProviderXAI, "ab"))

	masked, ok, err := s.GetAPIKeyMasked("u1", settings.ProviderXAI)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "****", masked)
}
