// Package config holds the agent's process-wide configuration: control-plane
// location, identity-file path, tick interval and log setup. Values are
// seeded with defaults and overridden by environment variables, following
// the teacher's config.DefaultConfig/env-override pattern.
package config

import (
	"os"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

const (
	defaultAPIURL      = "https://api.cirun.io/api/v1"
	defaultInterval    = 5 * time.Second
	defaultIDFile      = ".agent_id"
	defaultLumeVersion = "0.1.21"
)

// Config is the agent's resolved runtime configuration.
type Config struct {
	APIToken string
	APIURL   string
	Interval time.Duration
	IDFile   string
	Verbose  bool

	// Home is $HOME, used to locate backend state directories.
	Home string
	// LumeVersion selects the macOS backend binary version; bootstrapping
	// the binary itself is out of scope (see spec §1), but the version
	// string is part of the agent's environment contract.
	LumeVersion string

	Log coretypes.ServerLogConfig
}

// Default returns a Config with spec-mandated defaults, before flags or
// environment overrides are applied.
func Default() *Config {
	return &Config{
		APIURL:      defaultAPIURL,
		Interval:    defaultInterval,
		IDFile:      defaultIDFile,
		Home:        os.Getenv("HOME"),
		LumeVersion: defaultLumeVersion,
		Log: coretypes.ServerLogConfig{
			Level: "info",
		},
	}
}

// ApplyEnv overrides cfg fields from the environment, matching §6's table:
// CIRUN_API_URL, HOME and LUME_VERSION.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CIRUN_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("HOME"); v != "" {
		c.Home = v
	}
	if v := os.Getenv("LUME_VERSION"); v != "" {
		c.LumeVersion = v
	}
}

// MacOSStateDir returns $HOME/.lume, the macOS backend's state directory.
func (c *Config) MacOSStateDir() string {
	return c.Home + "/.lume"
}

// LinuxStateDir returns $HOME/.meda, the Linux backend's state directory.
func (c *Config) LinuxStateDir() string {
	return c.Home + "/.meda"
}

// IsMacOSHost reports whether the agent is running on a macOS host, which
// selects the macOS (lume) backend and the template engine (§4.4).
func IsMacOSHost() bool {
	return runtime.GOOS == "darwin"
}
