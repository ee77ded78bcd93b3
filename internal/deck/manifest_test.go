package deck

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woxQAQ/nostr-cassette/internal/wasm/wasmtest"
)

func writeManifestDir(t *testing.T, root, name, manifest string, withWasm bool) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	}
	if withWasm {
		wasmtest.WriteFile(t, dir, name+".wasm", wasmtest.Guest{})
	}
	return dir
}

func TestParseManifest_Valid(t *testing.T) {
	dir := writeManifestDir(t, t.TempDir(), "sandwich", `
name: sandwich
version: 0.1.0
description: Sandwich's favorite notes
author: sandwich
debug: true
wasm:
  file: sandwich.wasm
`, true)

	manifest, err := ParseManifest(dir)
	require.NoError(t, err)

	assert.Equal(t, "sandwich", manifest.Name)
	assert.Equal(t, "0.1.0", manifest.Version)
	assert.Equal(t, "Sandwich's favorite notes", manifest.Description)
	assert.True(t, manifest.Debug)
	assert.Equal(t, filepath.Join(dir, "sandwich.wasm"), manifest.WasmPath())
	assert.Equal(t, filepath.Join(dir, ManifestFile), manifest.Path())
	assert.Equal(t, dir, manifest.Dir())
}

func TestParseManifest_NotFound(t *testing.T) {
	_, err := ParseManifest(filepath.Join(t.TempDir(), "nonexistent"))

	var target *ManifestError
	require.True(t, errors.As(err, &target), "expected ManifestError, got %T", err)
	assert.Equal(t, "read", target.Op)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	dir := writeManifestDir(t, t.TempDir(), "broken", "name: [unclosed\n", true)

	_, err := ParseManifest(dir)

	var target *ManifestError
	require.True(t, errors.As(err, &target), "expected ManifestError, got %T", err)
	assert.Equal(t, "parse", target.Op)
}

func TestParseManifest_UnknownField(t *testing.T) {
	dir := writeManifestDir(t, t.TempDir(), "typo", "name: typo\nwasm:\n  fille: typo.wasm\n", true)

	_, err := ParseManifest(dir)

	var target *ManifestError
	require.True(t, errors.As(err, &target), "expected ManifestError, got %v", err)
	assert.Equal(t, "parse", target.Op)
}

func TestParseManifest_Validation(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		field    string
	}{
		{"missing name", "wasm:\n  file: x.wasm\n", "name"},
		{"blank name", "name: '  '\nwasm:\n  file: x.wasm\n", "name"},
		{"name with separator", "name: a/b\nwasm:\n  file: x.wasm\n", "name"},
		{"name with space", "name: my deck\nwasm:\n  file: x.wasm\n", "name"},
		{"missing wasm file", "name: x\n", "wasm.file"},
		{"bad digest", "name: x\nwasm:\n  file: x.wasm\n  sha256: abc\n", "wasm.sha256"},
		{"negative rounds", "name: x\nmax_collect_rounds: -1\nwasm:\n  file: x.wasm\n", "max_collect_rounds"},
		{"empty mapping", "{}\n", "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeManifestDir(t, t.TempDir(), "x", tt.manifest, true)

			_, err := ParseManifest(dir)

			var target *ManifestValidationError
			require.True(t, errors.As(err, &target), "expected ManifestValidationError, got %v", err)
			assert.Equal(t, tt.field, target.Field)
		})
	}
}

func TestParseManifest_WasmMissing(t *testing.T) {
	dir := writeManifestDir(t, t.TempDir(), "ghost", "name: ghost\nwasm:\n  file: ghost.wasm\n", false)

	_, err := ParseManifest(dir)

	var target *ManifestValidationError
	require.True(t, errors.As(err, &target), "expected ManifestValidationError, got %v", err)
	assert.Equal(t, "wasm.file", target.Field)
	assert.Contains(t, target.Message, "ghost.wasm")
}

func TestManifestVerifyChecksum(t *testing.T) {
	data := []byte("cassette bytes")
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	unpinned := &Manifest{Wasm: WasmConfig{File: "x.wasm"}}
	assert.NoError(t, unpinned.VerifyChecksum(data))

	pinned := &Manifest{Wasm: WasmConfig{File: "x.wasm", SHA256: strings.ToUpper(digest)}}
	assert.NoError(t, pinned.VerifyChecksum(data))

	err := pinned.VerifyChecksum([]byte("tampered"))
	var target *ChecksumMismatchError
	require.True(t, errors.As(err, &target), "expected ChecksumMismatchError, got %v", err)
	assert.Equal(t, digest, target.Want)
}

func TestManifestForFile(t *testing.T) {
	m := ManifestForFile(filepath.Join("deck", "sandwich.wasm"))

	assert.Equal(t, "sandwich", m.Name)
	assert.Equal(t, filepath.Join("deck", "sandwich.wasm"), m.WasmPath())
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ManifestError{Path: "m.yaml", Op: "parse", Err: errors.New("bad yaml")},
			"manifest parse failed for 'm.yaml': bad yaml"},
		{&ManifestValidationError{Path: "m.yaml", Field: "name", Message: "name is required"},
			"invalid manifest 'm.yaml': name: name is required"},
		{&ManifestValidationError{Path: "m.yaml", Message: "bad"},
			"invalid manifest 'm.yaml': bad"},
		{&ChecksumMismatchError{Path: "x.wasm", Want: "aa", Got: "bb"},
			"checksum mismatch for 'x.wasm': want sha256 aa, got bb"},
		{&CassetteNotFoundError{Name: "x"}, "cassette 'x' not in deck"},
		{&CassetteAlreadyRegisteredError{Name: "x"}, "cassette 'x' already in deck"},
		{&NoCassettesFoundError{Paths: []string{"a", "b"}}, "no cassettes found in a, b"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
