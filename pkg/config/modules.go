package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultModuleSizeLimit = 1 << 20 // 1 MiB

// ModuleConfig points at a Rego module on disk, optionally pinned by digest.
type ModuleConfig struct {
	Path string `yaml:"path"`
	// SHA256 is the expected hex digest, with or without a "sha256:" prefix.
	SHA256    string `yaml:"sha256"`
	SizeLimit int64  `yaml:"size_limit"`
}

func (m ModuleConfig) effectiveSizeLimit() int64 {
	if m.SizeLimit > 0 {
		return m.SizeLimit
	}
	return defaultModuleSizeLimit
}

// LoadModules reads and verifies the configured Rego modules, keyed by file
// name. Relative paths resolve against baseDir.
func (c PolicyConfig) LoadModules(baseDir string) (map[string]string, error) {
	if len(c.Modules) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(c.Modules))
	for _, m := range c.Modules {
		path := m.Path
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		path = filepath.Clean(path)

		data, _, err := readModule(path, m.effectiveSizeLimit(), m.SHA256)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", m.Path, err)
		}
		name := filepath.Base(path)
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("load module %s: duplicate module name %q", m.Path, name)
		}
		out[name] = string(data)
	}
	return out, nil
}

func readModule(path string, limit int64, expectedDigest string) ([]byte, string, error) {
	if path == "" {
		return nil, "", errors.New("module path is empty")
	}

	file, err := os.Open(path) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return nil, "", fmt.Errorf("open: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat: %w", err)
	}
	if info.Size() == 0 {
		return nil, "", errors.New("module is empty")
	}
	if limit > 0 && info.Size() > limit {
		return nil, "", fmt.Errorf("module exceeds size limit (%d bytes)", limit)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, "", fmt.Errorf("read: %w", err)
	}

	digest := computeSHA256Hex(data)
	if err := verifyDigest(expectedDigest, digest); err != nil {
		return nil, "", err
	}
	return data, digest, nil
}

func computeSHA256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func verifyDigest(expected, actual string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	normalized := normalizeDigest(expected)
	if normalized != actual {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", normalized, actual)
	}
	return nil
}

func normalizeDigest(value string) string {
	lower := strings.TrimSpace(strings.ToLower(value))
	return strings.TrimPrefix(lower, "sha256:")
}
