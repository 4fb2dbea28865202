package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name ScanDirectory looks for in each provider
// directory.
const ManifestFile = "manifest.yaml"

// CapabilityEnvRead lets a module read non-sensitive environment variables
// through the getenv host function.
const CapabilityEnvRead = "env:read"

// Manifest describes a WebAssembly provider.
type Manifest struct {
	// Name identifies the provider in logs and metrics.
	Name string `yaml:"name" validate:"required"`

	// Version is informational.
	Version string `yaml:"version" validate:"required"`

	Description string `yaml:"description,omitempty"`

	// Entrypoint is the module path, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the hex SHA-256 of the module. It is verified when set.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Capabilities are the host functions the module may use beyond log.
	Capabilities []string `yaml:"capabilities,omitempty" validate:"dive,oneof=env:read"`

	// Types are the unit types the module serves.
	Types []TypeManifest `yaml:"types" validate:"required,min=1,dive"`

	// Path is the file the manifest was loaded from, if any.
	Path string `yaml:"-"`
}

// TypeManifest describes one unit type of a WebAssembly provider.
type TypeManifest struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description,omitempty"`

	// Schema is an optional CUE schema for the unit's settings.
	Schema string `yaml:"schema,omitempty"`
}

var manifestValidator = validator.New()

// ParseManifest parses and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := manifestValidator.Struct(&m); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			msgs := make([]string, 0, len(fieldErrors))
			for _, fe := range fieldErrors {
				msgs = append(msgs, fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid manifest: %s", strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Types))
	for _, t := range m.Types {
		key := strings.ToLower(t.Name)
		if seen[key] {
			return nil, fmt.Errorf("invalid manifest: type %s declared twice", t.Name)
		}
		seen[key] = true
	}
	return &m, nil
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ModulePath resolves the entrypoint against the manifest's directory.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Entrypoint) || m.Path == "" {
		return m.Entrypoint
	}
	return filepath.Join(filepath.Dir(m.Path), m.Entrypoint)
}

// ReadModule reads the module and verifies its checksum.
func (m *Manifest) ReadModule() ([]byte, error) {
	module, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	if err := m.VerifyChecksum(module); err != nil {
		return nil, err
	}
	return module, nil
}

// VerifyChecksum checks module against the manifest checksum. A manifest
// without a checksum accepts any module.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	hash := sha256.Sum256(module)
	if got := hex.EncodeToString(hash[:]); !strings.EqualFold(got, m.Checksum) {
		return fmt.Errorf("module checksum mismatch: expected %s, got %s", m.Checksum, got)
	}
	return nil
}

// HasCapability reports whether the manifest requests capability.
func (m *Manifest) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ScanDirectory returns the manifests found in the immediate subdirectories
// of dir.
func ScanDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}
	return paths, nil
}
