package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFileCandidates loads environment variables from known files.
// Existing process env vars are never overridden.
func LoadEnvFileCandidates() {
	candidates := make([]string, 0, 3)
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "cellagent", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	if explicit := strings.TrimSpace(os.Getenv("CELLAGENT_ENV_FILE")); explicit != "" {
		candidates = append(candidates, explicit)
	}
	seen := map[string]struct{}{}
	for _, p := range candidates {
		abs := p
		if !filepath.IsAbs(abs) {
			if resolved, err := filepath.Abs(p); err == nil {
				abs = resolved
			}
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		_ = loadEnvFile(abs)
	}
}

// loadEnvFile applies one dotenv file without touching variables already set.
func loadEnvFile(path string) error {
	return godotenv.Load(path)
}
