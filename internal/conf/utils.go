package conf

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/tphakala/meetrec/internal/errors"
)

const configFileName = "config.yaml"

// GetDefaultConfigPaths lists the directories searched for config.yaml, in
// order: the working directory, the per-user config directory and, outside
// Windows, /etc/meetrec.
func GetDefaultConfigPaths() ([]string, error) {
	userDir, err := os.UserConfigDir()
	if err != nil {
		return nil, errors.New(err).
			Component(componentConf).
			Category(errors.CategorySystem).
			Context("operation", "get-user-config-dir").
			Build()
	}

	paths := []string{".", filepath.Join(userDir, "meetrec")}
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/meetrec")
	}
	return paths, nil
}

// FindConfigFile returns the first config.yaml found in the default paths.
func FindConfigFile() (string, error) {
	paths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}

	for _, dir := range paths {
		candidate := filepath.Join(dir, configFileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", errors.Newf("config file not found").
		Component(componentConf).
		Category(errors.CategoryNotFound).
		Context("operation", "find-config-file").
		Context("searched", paths).
		Build()
}

// UserConfigPath is where the config command writes a new config file.
func UserConfigPath() (string, error) {
	paths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}
	return filepath.Join(paths[1], configFileName), nil
}
