package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Runtime keys shared by the CLI flags, environment and viper.
const (
	KeyDataDir       = "data-dir"
	KeyListen        = "listen"
	KeyLogLevel      = "log-level"
	KeyTUI           = "tui"
	KeyGlobalConfig  = "global-config"
	KeyProjectConfig = "project-config"
	KeyServer        = "server"
)

// Runtime holds process-level settings that are not part of the persisted policy.
type Runtime struct {
	DataDir       string
	Listen        string
	LogLevel      string
	TUI           bool
	GlobalConfig  string
	ProjectConfig string
	Server        string // Base URL used by client subcommands
}

// NewViper returns a viper instance with defaults and DROIDRUNNER_* env overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DROIDRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault(KeyDataDir, filepath.Join(home, DirName))
	v.SetDefault(KeyListen, "127.0.0.1:7317")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyTUI, false)
	v.SetDefault(KeyGlobalConfig, filepath.Join(home, DirName, "config.json"))
	v.SetDefault(KeyProjectConfig, filepath.Join(DirName, "config.json"))
	v.SetDefault(KeyServer, "http://127.0.0.1:7317")
	return v
}

// RuntimeFromViper reads the runtime settings out of v.
func RuntimeFromViper(v *viper.Viper) (Runtime, error) {
	rt := Runtime{
		DataDir:       v.GetString(KeyDataDir),
		Listen:        v.GetString(KeyListen),
		LogLevel:      v.GetString(KeyLogLevel),
		TUI:           v.GetBool(KeyTUI),
		GlobalConfig:  v.GetString(KeyGlobalConfig),
		ProjectConfig: v.GetString(KeyProjectConfig),
		Server:        strings.TrimRight(v.GetString(KeyServer), "/"),
	}
	if strings.TrimSpace(rt.DataDir) == "" {
		return Runtime{}, fmt.Errorf("%s must not be empty", KeyDataDir)
	}
	return rt, nil
}

// DatabasePath returns the SQLite file inside the data directory.
func (r Runtime) DatabasePath() string {
	return filepath.Join(r.DataDir, "droidrunner.db")
}

// LogDir returns the directory holding per-task logs and the system log.
func (r Runtime) LogDir() string {
	return filepath.Join(r.DataDir, "logs")
}
