package profile

import (
	"os"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultProfileName = "main"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. CHATSYNC_PROFILE
// 3. config.toml default_profile
// 4. "main"
func Resolve(flagOverride string) string {
	return resolve(flagOverride, ConfigPath())
}

func resolve(flagOverride, configPath string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("CHATSYNC_PROFILE"); env != "" {
		return env
	}
	cfg, err := config.Load(configPath)
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
