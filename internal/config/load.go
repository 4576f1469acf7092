package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ErrValidation wraps semantic config failures, as opposed to TOML syntax or
// filesystem errors.
var ErrValidation = errors.New("config validation failed")

// Load reads the TOML file at path over the defaults. A missing file yields
// the defaults without error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes TOML data over the defaults and validates the result.
// source is only used in error messages.
func Parse(data []byte, source string) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", source, err)
	}
	if err := decodeStrict(data); err != nil {
		return nil, fmt.Errorf("%w: unrecognized keys in %s: %v", ErrValidation, source, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrValidation, source, err)
	}
	return &cfg, nil
}

// decodeStrict re-decodes with unknown-field rejection; toml.Unmarshal
// silently ignores misspelled keys.
func decodeStrict(data []byte) error {
	var cfg Config
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(&cfg)
}

// Validate checks the fields the pipelines cannot run without.
func (c *Config) Validate() error {
	var problems []string
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, name+" is required")
		}
	}

	require(c.Paths.StateDir, "paths.state_dir")
	require(c.Paths.SourcesList, "paths.sources_list")
	require(c.Paths.SourcesListDir, "paths.sources_list_dir")
	require(c.Paths.EnvironmentFile, "paths.environment_file")
	require(c.Paths.KeyringDir, "paths.keyring_dir")

	require(c.Driver.RepoName, "driver.repo_name")
	require(c.Driver.RepoURL, "driver.repo_url")
	require(c.Driver.RepoSuite, "driver.repo_suite")
	require(c.Driver.KeyURL, "driver.key_url")
	if len(c.Driver.Packages) == 0 {
		problems = append(problems, "driver.packages must list at least one package")
	}
	if c.Driver.OverrideVar != "" && c.Driver.OverrideValue == "" {
		problems = append(problems, "driver.override_value is required when driver.override_var is set")
	}

	require(c.Provision.Python, "provision.python")
	require(c.Provision.EnvPath, "provision.env_path")
	require(c.Provision.Accelerator, "provision.accelerator")
	for name, comp := range map[string]ComponentConfig{"core": c.Provision.Core, "vision": c.Provision.Vision} {
		prefix := "provision." + name
		require(comp.Name, prefix+".name")
		require(comp.SourceRepo, prefix+".source_repo")
		if comp.ArtifactBaseURL != "" && comp.ArtifactName == "" {
			problems = append(problems, prefix+".artifact_name is required when artifact_base_url is set")
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
