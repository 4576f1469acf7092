// Package config provides configuration loading for gpuprov.
//
// Every path the pipelines touch (log file, snapshot location, system files,
// environment location) comes from here and is passed to components at
// construction.
package config

import (
	"os"
	"path/filepath"
)

// DefaultPath is where the config file is looked up when --config is unset.
const DefaultPath = "/etc/gpuprov/config.toml"

// Config is the full gpuprov configuration.
type Config struct {
	Paths     PathsConfig     `toml:"paths"`
	Driver    DriverConfig    `toml:"driver"`
	Provision ProvisionConfig `toml:"provision"`
	Verify    VerifyConfig    `toml:"verify"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	StateDir        string `toml:"state_dir"`
	LogFile         string `toml:"log_file"`
	SourcesList     string `toml:"sources_list"`
	SourcesListDir  string `toml:"sources_list_dir"`
	EnvironmentFile string `toml:"environment_file"`
	KeyringDir      string `toml:"keyring_dir"`
}

// DriverConfig describes the GPU runtime install.
type DriverConfig struct {
	RepoName  string `toml:"repo_name"`
	RepoURL   string `toml:"repo_url"`
	RepoSuite string `toml:"repo_suite"`
	RepoArch  string `toml:"repo_arch"`
	KeyURL    string `toml:"key_url"`

	// Prerequisites may contain {kernel}, replaced by `uname -r`.
	Prerequisites []string `toml:"prerequisites"`
	Packages      []string `toml:"packages"`
	Groups        []string `toml:"groups"`

	PathEntry     string `toml:"path_entry"`
	OverrideVar   string `toml:"override_var"`
	OverrideValue string `toml:"override_value"`

	VerifyCommands []string `toml:"verify_commands"`
}

// ProvisionConfig describes the Python environment and the two components
// installed into it.
type ProvisionConfig struct {
	Python       string          `toml:"python"`
	EnvPath      string          `toml:"env_path"`
	Accelerator  string          `toml:"accelerator"`
	BuildArchVar string          `toml:"build_arch_var"`
	BuildArch    string          `toml:"build_arch"`
	Core         ComponentConfig `toml:"core"`
	Vision       ComponentConfig `toml:"vision"`
}

// ComponentConfig describes how to acquire one component. The prebuilt
// strategy is a direct artifact download when ArtifactBaseURL is set, and a
// wheel-index install otherwise.
type ComponentConfig struct {
	Name     string   `toml:"name"`
	Version  string   `toml:"version"`
	Packages []string `toml:"packages"`
	IndexURL string   `toml:"index_url"`

	ArtifactBaseURL string `toml:"artifact_base_url"`
	ArtifactName    string `toml:"artifact_name"`

	SourceRepo string `toml:"source_repo"`
	SourceRef  string `toml:"source_ref"`
}

// VerifyConfig controls the smoke check.
type VerifyConfig struct {
	RequireAccelerator bool `toml:"require_accelerator"`
}

// Default returns the built-in configuration: ROCm 6.0 on Ubuntu jammy with
// PyTorch and torchvision.
func Default() Config {
	stateDir, logFile := defaultStatePaths(os.Geteuid(), os.UserHomeDir)
	return Config{
		Paths: PathsConfig{
			StateDir:        stateDir,
			LogFile:         logFile,
			SourcesList:     "/etc/apt/sources.list",
			SourcesListDir:  "/etc/apt/sources.list.d",
			EnvironmentFile: "/etc/environment",
			KeyringDir:      "/etc/apt/keyrings",
		},
		Driver: DriverConfig{
			RepoName:  "rocm",
			RepoURL:   "https://repo.radeon.com/rocm/apt/6.0",
			RepoSuite: "jammy",
			RepoArch:  "amd64",
			KeyURL:    "https://repo.radeon.com/rocm/rocm.gpg.key",
			Prerequisites: []string{
				"linux-headers-{kernel}",
				"linux-modules-extra-{kernel}",
				"python3-setuptools",
				"python3-wheel",
				"python3-venv",
				"git",
				"cmake",
			},
			Packages:       []string{"rocm-hip-sdk", "rocm-opencl-sdk", "rocminfo", "clinfo"},
			Groups:         []string{"render", "video"},
			PathEntry:      "/opt/rocm/bin",
			OverrideVar:    "HSA_OVERRIDE_GFX_VERSION",
			OverrideValue:  "10.3.0",
			VerifyCommands: []string{"rocminfo", "clinfo"},
		},
		Provision: ProvisionConfig{
			Python:       "python3",
			EnvPath:      defaultEnvPath(),
			Accelerator:  "rocm6.0",
			BuildArchVar: "PYTORCH_ROCM_ARCH",
			BuildArch:    "gfx1030",
			Core: ComponentConfig{
				Name:       "torch",
				Version:    "2.3.1",
				Packages:   []string{"torch==2.3.1"},
				SourceRepo: "https://github.com/pytorch/pytorch.git",
				SourceRef:  "v2.3.1",
			},
			Vision: ComponentConfig{
				Name:            "torchvision",
				Version:         "0.18.1",
				ArtifactBaseURL: "https://download.pytorch.org/whl/rocm6.0",
				ArtifactName:    "{name}-{version}+{accelerator}-{python}-{python}-{platform}.whl",
				SourceRepo:      "https://github.com/pytorch/vision.git",
				SourceRef:       "v0.18.1",
			},
		},
		Verify: VerifyConfig{
			RequireAccelerator: true,
		},
	}
}

// SnapshotDir is where the single retained snapshot lives.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.Paths.StateDir, "snapshot")
}

// DBPath is the run-history database.
func (c *Config) DBPath() string {
	return filepath.Join(c.Paths.StateDir, "state.db")
}

// CacheDir holds downloaded artifacts and source checkouts.
func (c *Config) CacheDir() string {
	return filepath.Join(c.Paths.StateDir, "cache")
}

// LockPath guards against concurrent runs on one host.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "gpuprov.lock")
}

// defaultStatePaths returns system locations for root and per-user ones
// under ~/.local/state otherwise, since `provision` normally runs unprivileged.
func defaultStatePaths(euid int, home func() (string, error)) (string, string) {
	if euid == 0 {
		return "/var/lib/gpuprov", "/var/log/gpuprov.log"
	}
	h, err := home()
	if err != nil || h == "" {
		return "/var/lib/gpuprov", "/var/log/gpuprov.log"
	}
	dir := filepath.Join(h, ".local", "state", "gpuprov")
	return dir, filepath.Join(dir, "gpuprov.log")
}

// defaultEnvPath prefers the invoking user's home under sudo so the
// environment is not created in /root.
func defaultEnvPath() string {
	home := ""
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		home = filepath.Join("/home", sudoUser)
	} else if h, err := os.UserHomeDir(); err == nil {
		home = h
	}
	if home == "" {
		return "torch-rocm-env"
	}
	return filepath.Join(home, "torch-rocm-env")
}
