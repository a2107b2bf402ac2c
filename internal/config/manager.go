package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Manager owns the live config snapshot for a running process. Readers
// take the snapshot pointer once per cycle and use it throughout; the
// pointer is swapped atomically under the mutex on reload.
type Manager struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	current   *Config
	lastMtime time.Time
}

// NewManager loads the config at path and returns a manager holding it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	return &Manager{
		path:      path,
		logger:    logger,
		current:   cfg,
		lastMtime: info.ModTime(),
	}, nil
}

// Get returns the current snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Path returns the managed config file path.
func (m *Manager) Path() string {
	return m.path
}

// ReloadIfChanged compares the file mtime against the last observed
// value and reloads on change. A file that fails to load keeps the
// prior snapshot, logs a warning, and still advances the cached mtime
// so the broken file is not re-parsed on every cycle. Returns whether a
// new snapshot was installed.
func (m *Manager) ReloadIfChanged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := os.Stat(m.path)
	if err != nil {
		m.logger.Warn("Failed to stat config file", "path", m.path, "error", err)
		return false
	}

	if !info.ModTime().After(m.lastMtime) {
		return false
	}
	m.lastMtime = info.ModTime()

	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Warn("Config reload failed, keeping prior snapshot",
			"path", m.path, "error", err)
		return false
	}

	m.current = cfg
	m.logger.Info("Config reloaded", "path", m.path)
	return true
}

// WriteSafely serializes cfg and replaces the config file atomically:
// write a sibling temp file, rename over the target, then re-load and
// re-validate the rewritten file. On round-trip failure the original
// file is restored from the backup taken first, and the prior snapshot
// stays live.
func (m *Manager) WriteSafely(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	var backupPath string
	if original, err := os.ReadFile(m.path); err == nil {
		backupPath = fmt.Sprintf("%s.%s.bak", m.path, time.Now().UTC().Format("20060102T150405"))
		if err := os.WriteFile(backupPath, original, 0o600); err != nil {
			return fmt.Errorf("failed to write config backup: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set config permissions: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	// Round-trip check: the rewritten file must load back cleanly.
	reloaded, err := Load(m.path)
	if err != nil {
		if backupPath != "" {
			if restoreErr := m.restore(backupPath); restoreErr != nil {
				return fmt.Errorf("config round-trip failed (%w) and restore failed: %v", err, restoreErr)
			}
		}
		return fmt.Errorf("config round-trip check failed, original restored: %w", err)
	}

	m.current = reloaded
	if info, err := os.Stat(m.path); err == nil {
		m.lastMtime = info.ModTime()
	}

	m.logger.Info("Config rewritten", "path", m.path, "backup", backupPath)
	return nil
}

func (m *Manager) restore(backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}
