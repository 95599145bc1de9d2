package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalidSource is returned for values that cannot name a source
var ErrInvalidSource = errors.New("invalid source")

// Kind tags a Descriptor
type Kind int

const (
	KindNone Kind = iota
	KindCamera
	KindFile
	KindURL
)

func (k Kind) String() string {
	switch k {
	case KindCamera:
		return "camera"
	case KindFile:
		return "file"
	case KindURL:
		return "url"
	default:
		return "none"
	}
}

// Descriptor is a resolved reference to where frames come from. The zero
// value means no source.
type Descriptor struct {
	Kind  Kind
	Index int    // KindCamera
	Path  string // KindFile and KindURL
}

// Camera returns a camera descriptor
func Camera(index int) Descriptor {
	return Descriptor{Kind: KindCamera, Index: index}
}

// File returns a file descriptor
func File(path string) Descriptor {
	return Descriptor{Kind: KindFile, Path: path}
}

// URL returns an opaque descriptor passed to the capture backend unchanged
func URL(raw string) Descriptor {
	return Descriptor{Kind: KindURL, Path: raw}
}

// IsZero reports whether d names no source
func (d Descriptor) IsZero() bool {
	return d.Kind == KindNone
}

// Name is the base name of a file source, empty otherwise
func (d Descriptor) Name() string {
	if d.Kind != KindFile {
		return ""
	}
	return filepath.Base(d.Path)
}

func (d Descriptor) String() string {
	switch d.Kind {
	case KindCamera:
		return strconv.Itoa(d.Index)
	case KindFile, KindURL:
		return d.Path
	default:
		return ""
	}
}

// MarshalJSON encodes the descriptor as its string form
func (d Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Resolve maps a raw control value onto a descriptor:
//   - only decimal digits: camera index
//   - a regular file inside mediaDir: that file
//   - an absolute path to a regular file: that file
//   - anything else: opaque URL
func Resolve(raw, mediaDir string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Descriptor{}, fmt.Errorf("%w: empty value", ErrInvalidSource)
	}

	if isDigits(raw) {
		index, err := strconv.Atoi(raw)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: camera index %q: %v", ErrInvalidSource, raw, err)
		}
		return Camera(index), nil
	}

	if mediaDir != "" && !filepath.IsAbs(raw) {
		if path, ok := underDir(mediaDir, raw); ok && isRegularFile(path) {
			return File(path), nil
		}
	}

	if filepath.IsAbs(raw) && isRegularFile(raw) {
		return File(filepath.Clean(raw)), nil
	}

	return URL(raw), nil
}

// ResolveJSON accepts either a JSON string or a JSON integer
func ResolveJSON(raw json.RawMessage, mediaDir string) (Descriptor, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Descriptor{}, fmt.Errorf("%w: missing value", ErrInvalidSource)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Resolve(s, mediaDir)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return Descriptor{}, fmt.Errorf("%w: expected string or integer", ErrInvalidSource)
	}
	index, err := strconv.Atoi(n.String())
	if err != nil || index < 0 {
		return Descriptor{}, fmt.Errorf("%w: camera index must be a non-negative integer", ErrInvalidSource)
	}
	return Camera(index), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// underDir joins name onto dir and rejects results that escape dir
func underDir(dir, name string) (string, bool) {
	joined := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
