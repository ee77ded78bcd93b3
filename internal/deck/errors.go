package deck

import (
	"fmt"
	"strings"
)

// ManifestError reports a manifest that could not be read or decoded.
type ManifestError struct {
	Path string
	Op   string // "read" or "parse"
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s failed for '%s': %v", e.Op, e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// ManifestValidationError reports a decoded manifest with a bad field.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid manifest '%s': %s", e.Path, e.Message)
	}
	return fmt.Sprintf("invalid manifest '%s': %s: %s", e.Path, e.Field, e.Message)
}

// ChecksumMismatchError reports a module whose content differs from the
// digest pinned in its manifest.
type ChecksumMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for '%s': want sha256 %s, got %s", e.Path, e.Want, e.Got)
}

// CassetteLoadError wraps any failure to bring a deck entry up.
type CassetteLoadError struct {
	Name string
	Err  error
}

func (e *CassetteLoadError) Error() string {
	return fmt.Sprintf("failed to load cassette '%s': %v", e.Name, e.Err)
}

func (e *CassetteLoadError) Unwrap() error {
	return e.Err
}

type CassetteNotFoundError struct {
	Name string
}

func (e *CassetteNotFoundError) Error() string {
	return fmt.Sprintf("cassette '%s' not in deck", e.Name)
}

type CassetteAlreadyRegisteredError struct {
	Name string
}

func (e *CassetteAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("cassette '%s' already in deck", e.Name)
}

// NoCassettesFoundError is returned by discovery when nothing loaded.
type NoCassettesFoundError struct {
	Paths []string
}

func (e *NoCassettesFoundError) Error() string {
	return fmt.Sprintf("no cassettes found in %s", strings.Join(e.Paths, ", "))
}
