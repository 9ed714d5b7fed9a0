package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "lumobridge"

// HomeDir returns the user's configuration home: ~/.lumobridge
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the ~/.lumobridge directory exists with default
// content. Called once at startup. Safe to call multiple times — only
// creates missing items, never overwrites user edits.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	defaults := map[string]string{
		filepath.Join(root, "config.yaml"): defaultConfig,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("write default %s: %w", path, err)
		}
		created++
	}

	if created > 0 {
		logger.Info("Bootstrapped configuration home",
			zap.String("dir", root),
			zap.Int("files_created", created))
	}
	return nil
}

const defaultConfig = `# lumobridge configuration
# Layering: this file < ./config/config.yaml < LUMOBRIDGE_* env vars

gateway:
  host: 127.0.0.1
  port: 18789
  mode: local

backend:
  type: https
  base_url: ""            # conversational backend base URL
  generation_path: /api/v1/generation
  public_key: ""          # base64 X25519 public key for request-key wrapping
  timeout: 30
  idle_timeout: 60

encryption:
  enabled: true

database:
  dsn: lumobridge.db

log:
  level: info
  format: json

model:
  id: lumo
  owned_by: lumobridge

custom_tools:
  enabled: true
  prefix: "user:"

enable_web_search: false

commands:
  enabled: true

runtime:
  max_retries: 3
  retry_base_wait: 2s
  breaker_threshold: 5
  breaker_recover: 30
  title_max_len: 100
`
