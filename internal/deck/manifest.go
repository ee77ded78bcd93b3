package deck

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name looked up in each cassette directory.
const ManifestFile = "manifest.yaml"

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Manifest describes one cassette directory.
//
//	name: sandwichs-favs
//	version: 0.1.0
//	description: Sandwich's favorite notes
//	wasm:
//	  file: sandwichs_favs.wasm
//	  sha256: 9f86d08...
//	max_collect_rounds: 50
type Manifest struct {
	Name        string     `yaml:"name"`
	Version     string     `yaml:"version"`
	Description string     `yaml:"description"`
	Author      string     `yaml:"author"`
	Wasm        WasmConfig `yaml:"wasm"`

	// Debug enables per-message diagnostics for this cassette.
	Debug bool `yaml:"debug"`

	// MaxCollectRounds overrides the deck-wide collect bound when positive.
	MaxCollectRounds int `yaml:"max_collect_rounds"`

	dir string
}

// WasmConfig locates the module and optionally pins its content.
type WasmConfig struct {
	File   string `yaml:"file"`
	SHA256 string `yaml:"sha256"`
}

// ParseManifest reads dir/manifest.yaml and validates it. Unknown keys are
// rejected.
func ParseManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Op: "read", Err: err}
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ManifestError{Path: path, Op: "parse", Err: err}
	}
	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ManifestForFile synthesizes a manifest for a bare .wasm file. The name is
// the file name without its extension.
func ManifestForFile(path string) *Manifest {
	base := filepath.Base(path)
	return &Manifest{
		Name: strings.TrimSuffix(base, filepath.Ext(base)),
		Wasm: WasmConfig{File: base},
		dir:  filepath.Dir(path),
	}
}

// Validate checks required fields and that the module exists.
func (m *Manifest) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		}
	}

	switch {
	case strings.TrimSpace(m.Name) == "":
		return invalid("name", "name is required")
	case !validName.MatchString(m.Name):
		return invalid("name", "name %q may only contain letters, digits, '.', '_' and '-'", m.Name)
	case m.Wasm.File == "":
		return invalid("wasm.file", "wasm.file is required")
	case m.Wasm.SHA256 != "" && !isHexDigest(m.Wasm.SHA256):
		return invalid("wasm.sha256", "wasm.sha256 must be 64 hex digits")
	case m.MaxCollectRounds < 0:
		return invalid("max_collect_rounds", "max_collect_rounds must not be negative")
	}

	info, err := os.Stat(m.WasmPath())
	if err != nil || info.IsDir() {
		return invalid("wasm.file", "module %s not found", m.Wasm.File)
	}
	return nil
}

// VerifyChecksum compares data against wasm.sha256 when one is pinned.
func (m *Manifest) VerifyChecksum(data []byte) error {
	if m.Wasm.SHA256 == "" {
		return nil
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, m.Wasm.SHA256) {
		return &ChecksumMismatchError{Path: m.WasmPath(), Want: strings.ToLower(m.Wasm.SHA256), Got: got}
	}
	return nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the module.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory holding the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
