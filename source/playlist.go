package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrEmptyPlaylist is returned by Next when the media directory holds no videos
var ErrEmptyPlaylist = errors.New("playlist is empty")

// VideoExtensions lists the file extensions picked up by the playlist
var VideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".webm"}

// Playlist lists the video files of a directory. Nothing is cached: every
// call reads the directory again so new files show up without a restart.
type Playlist struct {
	dir    string
	logger *zap.Logger
}

// NewPlaylist creates a playlist over dir
func NewPlaylist(dir string, logger *zap.Logger) *Playlist {
	return &Playlist{
		dir:    dir,
		logger: logger.With(zap.String("media_dir", dir)),
	}
}

// Dir returns the media directory
func (p *Playlist) Dir() string {
	return p.dir
}

// List returns the video file names in lexical order
func (p *Playlist) List() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read media dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !isVideo(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	return names, nil
}

// Next returns the entry after the given name, wrapping to the first one.
// An unknown name also yields the first entry.
func (p *Playlist) Next(after string) (string, error) {
	names, err := p.List()
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrEmptyPlaylist
	}

	for i, name := range names {
		if name == after {
			return names[(i+1)%len(names)], nil
		}
	}

	p.logger.Debug("Current entry not in playlist, restarting from first",
		zap.String("after", after))
	return names[0], nil
}

// Path returns the full path of a playlist entry
func (p *Playlist) Path(name string) string {
	return filepath.Join(p.dir, name)
}

// Contains reports whether d is a video file directly inside the media dir
func (p *Playlist) Contains(d Descriptor) bool {
	if d.Kind != KindFile || !isVideo(d.Path) {
		return false
	}
	dir, err := filepath.Abs(filepath.Dir(d.Path))
	if err != nil {
		return false
	}
	media, err := filepath.Abs(p.dir)
	if err != nil {
		return false
	}
	return dir == media
}

func isVideo(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, v := range VideoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}
