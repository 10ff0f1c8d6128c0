// Package config validates a deployment configuration before anything else
// in the platform starts: the mode/workflow-backend/database-backend
// combination, required provider credentials, and the feature flags that
// gate Temporal or embedded storage. Every rejection names the conflicting
// settings and suggests a fix rather than surfacing a bare validation error.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/coreagent/platform/agents/runtime/apperrors"
)

// Mode is the deployment mode.
type Mode string

const (
	ModeEmbedded  Mode = "embedded"
	ModeCloud     Mode = "cloud"
	ModeHybrid    Mode = "hybrid"
	ModeMesh      Mode = "mesh"
	ModeMeshCloud Mode = "mesh-cloud"
)

// WorkflowBackend selects which durable-execution engine drives workflows.
type WorkflowBackend string

const (
	WorkflowDurable  WorkflowBackend = "durable"
	WorkflowTemporal WorkflowBackend = "temporal"
)

// DatabaseBackend selects the storage engine behind eventlog/workflowstore.
type DatabaseBackend string

const (
	DatabaseEmbedded   DatabaseBackend = "embedded"
	DatabaseSQLite     DatabaseBackend = "sqlite"
	DatabasePostgreSQL DatabaseBackend = "postgresql"
)

// ProviderKey identifies a configured LLM provider credential.
type ProviderKey string

const (
	ProviderOpenAI    ProviderKey = "openai"
	ProviderAnthropic ProviderKey = "anthropic"
	ProviderGoogle    ProviderKey = "google"
	ProviderGroq      ProviderKey = "groq"
	ProviderXAI       ProviderKey = "xai"
)

// Deployment is the full configuration surface the validator checks.
type Deployment struct {
	Mode            Mode            `yaml:"mode" validate:"required"`
	WorkflowBackend WorkflowBackend `yaml:"workflow_backend" validate:"required"`
	DatabaseBackend DatabaseBackend `yaml:"database_backend" validate:"required"`

	// PostgresURL is required in cloud mode.
	PostgresURL string `yaml:"postgres_url"`

	// SyncConfigured reports whether a mesh peer-sync configuration is
	// present; relevant only in mesh/mesh-cloud modes.
	SyncConfigured bool `yaml:"sync_configured"`

	// ProviderKeys lists which LLM provider credentials are present.
	ProviderKeys []ProviderKey `yaml:"provider_keys"`

	// TemporalFeatureEnabled/EmbeddedStorageFeatureEnabled are feature
	// flags that must be on before the corresponding backend may be
	// selected, independent of the mode/backend combination itself.
	TemporalFeatureEnabled        bool `yaml:"temporal_feature_enabled"`
	EmbeddedStorageFeatureEnabled bool `yaml:"embedded_storage_feature_enabled"`
}

var validCombinations = map[Mode]struct {
	workflow WorkflowBackend
	database []DatabaseBackend
}{
	ModeEmbedded:  {WorkflowDurable, []DatabaseBackend{DatabaseEmbedded, DatabaseSQLite}},
	ModeCloud:     {WorkflowTemporal, []DatabaseBackend{DatabasePostgreSQL}},
	ModeHybrid:    {WorkflowDurable, []DatabaseBackend{DatabaseEmbedded, DatabaseSQLite}},
	ModeMesh:      {WorkflowDurable, []DatabaseBackend{DatabaseEmbedded, DatabaseSQLite}},
	ModeMeshCloud: {WorkflowDurable, []DatabaseBackend{DatabaseEmbedded, DatabaseSQLite}},
}

var structValidator = validator.New()

// Validate checks d against the mode/workflow/database combination table,
// provider-key presence, cloud/mesh preconditions, and feature-flag gates.
// Every returned error is an apperrors.Validation with an actionable
// message naming the conflicting settings.
func Validate(d Deployment) error {
	if err := structValidator.Struct(d); err != nil {
		return apperrors.Validation("incomplete deployment configuration: "+err.Error(), err)
	}

	combo, ok := validCombinations[d.Mode]
	if !ok {
		return apperrors.Validation(fmt.Sprintf(
			"mode %q is not a recognized deployment mode (expected one of embedded, cloud, hybrid, mesh, mesh-cloud)",
			d.Mode), nil)
	}

	if d.WorkflowBackend != combo.workflow {
		return apperrors.Validation(fmt.Sprintf(
			"mode %q requires workflow_backend=%q but got %q; set workflow_backend=%q or choose a different mode",
			d.Mode, combo.workflow, d.WorkflowBackend, combo.workflow), nil)
	}

	if !containsDatabase(combo.database, d.DatabaseBackend) {
		return apperrors.Validation(fmt.Sprintf(
			"mode %q requires database_backend in %v but got %q; set database_backend to one of %v or choose a different mode",
			d.Mode, combo.database, d.DatabaseBackend, combo.database), nil)
	}

	if len(d.ProviderKeys) == 0 {
		return apperrors.Validation(
			"no LLM provider key configured; set at least one of openai, anthropic, google, groq, xai", nil)
	}

	if d.Mode == ModeCloud && strings.TrimSpace(d.PostgresURL) == "" {
		return apperrors.Validation(
			"mode=cloud requires database_backend=postgresql with a non-empty postgres_url; set postgres_url", nil)
	}

	if (d.Mode == ModeMesh || d.Mode == ModeMeshCloud) && !d.SyncConfigured {
		return apperrors.Validation(fmt.Sprintf(
			"mode=%q requires a mesh sync configuration; configure peer sync or choose a non-mesh mode", d.Mode), nil)
	}

	if d.WorkflowBackend == WorkflowTemporal && !d.TemporalFeatureEnabled {
		return apperrors.Validation(
			"workflow_backend=temporal requires the temporal feature flag to be enabled; enable it or switch workflow_backend=durable", nil)
	}

	if (d.DatabaseBackend == DatabaseEmbedded || d.DatabaseBackend == DatabaseSQLite) && !d.EmbeddedStorageFeatureEnabled {
		return apperrors.Validation(fmt.Sprintf(
			"database_backend=%q requires the embedded storage feature flag to be enabled; enable it or switch database_backend=postgresql",
			d.DatabaseBackend), nil)
	}

	return nil
}

// LoadYAML reads a Deployment from a YAML file at path and validates it
// before returning. Field names in the file use snake_case (see the
// Deployment struct tags).
func LoadYAML(path string) (Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Deployment{}, apperrors.Validation("could not read deployment config file: "+path, err)
	}

	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Deployment{}, apperrors.Validation("could not parse deployment config file: "+path, err)
	}

	if err := Validate(d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

func containsDatabase(allowed []DatabaseBackend, got DatabaseBackend) bool {
	for _, a := range allowed {
		if a == got {
			return true
		}
	}
	return false
}
