package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/config"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func validDeployment() config.Deployment {
	return config.Deployment{
		Mode:                          config.ModeEmbedded,
		WorkflowBackend:               config.WorkflowDurable,
		DatabaseBackend:               config.DatabaseSQLite,
		ProviderKeys:                  []config.ProviderKey{config.ProviderOpenAI},
		EmbeddedStorageFeatureEnabled: true,
	}
}

func TestValidateAcceptsEmbeddedMode(t *testing.T) {
	require.NoError(t, config.Validate(validDeployment()))
}

func TestValidateAcceptsCloudMode(t *testing.T) {
	d := config.Deployment{
		Mode:                   config.ModeCloud,
		WorkflowBackend:        config.WorkflowTemporal,
		DatabaseBackend:        config.DatabasePostgreSQL,
		PostgresURL:            "postgres://localhost/db",
		ProviderKeys:           []config.ProviderKey{config.ProviderAnthropic},
		TemporalFeatureEnabled: true,
	}
	require.NoError(t, config.Validate(d))
}

func TestValidateRejectsCloudModeWithDurableWorkflow(t *testing.T) {
	d := config.Deployment{
		Mode:            config.ModeCloud,
		WorkflowBackend: config.WorkflowDurable,
		DatabaseBackend: config.DatabasePostgreSQL,
		PostgresURL:     "postgres://localhost/db",
		ProviderKeys:    []config.ProviderKey{config.ProviderOpenAI},
	}
	err := config.Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "workflow_backend")
}

func TestValidateRejectsCloudModeWithoutPostgresURL(t *testing.T) {
	d := config.Deployment{
		Mode:                   config.ModeCloud,
		WorkflowBackend:        config.WorkflowTemporal,
		DatabaseBackend:        config.DatabasePostgreSQL,
		ProviderKeys:           []config.ProviderKey{config.ProviderOpenAI},
		TemporalFeatureEnabled: true,
	}
	err := config.Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "postgres_url")
}

func TestValidateRejectsEmbeddedModeWithPostgres(t *testing.T) {
	d := validDeployment()
	d.DatabaseBackend = config.DatabasePostgreSQL
	err := config.Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "database_backend")
}

func TestValidateRejectsMeshModeWithoutSync(t *testing.T) {
	d := validDeployment()
	d.Mode = config.ModeMesh
	err := config.Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sync")
}

func TestValidateAcceptsMeshModeWithSync(t *testing.T) {
	d := validDeployment()
	d.Mode = config.ModeMesh
	d.SyncConfigured = true
	require.NoError(t, config.Validate(d))
}

func TestValidateRejectsMissingProviderKey(t *testing.T) {
	d := validDeployment()
	d.ProviderKeys = nil
	err := config.Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "provider")
}

func TestValidateRejectsTemporalWithoutFeatureFlag(t *testing.T) {
	d := config.Deployment{
		Mode:            config.ModeCloud,
		WorkflowBackend: config.WorkflowTemporal,
		DatabaseBackend: config.DatabasePostgreSQL,
		PostgresURL:     "postgres://localhost/db",
		ProviderKeys:    []config.ProviderKey{config.ProviderOpenAI},
	}
	err := config.Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "feature")
}

func TestValidateRejectsEmbeddedStorageWithoutFeatureFlag(t *testing.T) {
	d := validDeployment()
	d.EmbeddedStorageFeatureEnabled = false
	err := config.Validate(d)
	require.Error(t, err)
	require.Contains(t, err.Error(), "feature")
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	d := validDeployment()
	d.Mode = "quantum"
	err := config.Validate(d)
	require.Error(t, err)
}

func TestLoadYAMLReadsAndValidatesDeployment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployment.yaml")
	contents := "" +
		"mode: embedded\n" +
		"workflow_backend: durable\n" +
		"database_backend: sqlite\n" +
		"provider_keys:\n" +
		"  - openai\n" +
		"embedded_storage_feature_enabled: true\n"
	require.NoError(t, writeFile(path, contents))

	d, err := config.LoadYAML(path)
	require.NoError(t, err)
	require.Equal(t, config.ModeEmbedded, d.Mode)
	require.Equal(t, config.WorkflowDurable, d.WorkflowBackend)
	require.Equal(t, []config.ProviderKey{config.ProviderOpenAI}, d.ProviderKeys)
}

func TestLoadYAMLRejectsInvalidDeployment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployment.yaml")
	contents := "" +
		"mode: cloud\n" +
		"workflow_backend: durable\n" +
		"database_backend: postgresql\n"
	require.NoError(t, writeFile(path, contents))

	_, err := config.LoadYAML(path)
	require.Error(t, err)
}

func TestLoadYAMLRejectsMissingFile(t *testing.T) {
	_, err := config.LoadYAML("/nonexistent/deployment.yaml")
	require.Error(t, err)
}
