package paths

import (
	"os"
	"path/filepath"
)

const appName = "chatlog"

// GetConfigDir returns the user's config directory for chatlog.
//
// If the home directory cannot be determined, it falls back to a directory
// under the system temporary directory.
func GetConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), "."+appName+"-config"))
	}
	return filepath.Clean(filepath.Join(homeDir, ".config", appName))
}

// GetDataDir returns the user's data directory for chatlog (debug logs).
func GetDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), "."+appName))
	}
	return filepath.Clean(filepath.Join(homeDir, "."+appName))
}

// ConfigFile is the default location of the YAML configuration.
func ConfigFile() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// DebugLogFile is the default destination of --debug logs.
func DebugLogFile() string {
	return filepath.Join(GetDataDir(), appName+".debug.log")
}
