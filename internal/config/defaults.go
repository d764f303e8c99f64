package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "commitrelay"

// platformDirs are the per-OS locations for state, configuration and logs.
type platformDirs struct {
	data, config, logs string
}

func dirs() platformDirs {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	switch runtime.GOOS {
	case "darwin":
		support := filepath.Join(home, "Library", "Application Support", appName)
		return platformDirs{support, support, filepath.Join(home, "Library", "Logs", appName)}
	case "linux":
		data := xdg("XDG_DATA_HOME", home, ".local", "share")
		return platformDirs{data, xdg("XDG_CONFIG_HOME", home, ".config"), filepath.Join(data, "logs")}
	case "windows":
		roaming := envOr("APPDATA", filepath.Join(home, "AppData", "Roaming"))
		local := envOr("LOCALAPPDATA", filepath.Join(home, "AppData", "Local"))
		return platformDirs{
			filepath.Join(roaming, appName),
			filepath.Join(roaming, appName),
			filepath.Join(local, appName, "logs"),
		}
	default:
		dot := filepath.Join(home, "."+appName)
		return platformDirs{dot, dot, filepath.Join(dot, "logs")}
	}
}

// xdg resolves an XDG base directory for the app, falling back to home/rel.
func xdg(env, home string, rel ...string) string {
	base := envOr(env, filepath.Join(append([]string{home}, rel...)...))
	return filepath.Join(base, appName)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PlatformDataDir is the default state directory: ~/.local/share/commitrelay
// on Linux, ~/Library/Application Support/commitrelay on macOS and
// %APPDATA%\commitrelay on Windows.
func PlatformDataDir() string { return dirs().data }

// PlatformConfigDir holds config.toml. On Linux it is ~/.config/commitrelay.
func PlatformConfigDir() string { return dirs().config }

// PlatformLogDir holds the log file when logging goes to a file.
func PlatformLogDir() string { return dirs().logs }

// configNames lists the file names looked for in the config directory, in
// order of preference.
var configNames = []string{"config.toml", "config.yaml", "config.yml", "config.json"}

// findConfigFile returns the first existing config file in dir, or "".
func findConfigFile(dir string) string {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
