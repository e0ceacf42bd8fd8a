// Package images owns attachment files on disk. Stored files are referenced
// from the post repository by path; cleanup happens only after a post reaches
// a terminal status.
package images

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "postplanner/pkg/logx"
)

// MaxPerPost is the platform attachment limit.
const MaxPerPost = 4

var ErrUnsupportedType = errors.New("unsupported image type")

var allowedExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Stored describes one saved attachment.
type Stored struct {
	Path         string
	OriginalName string
	Size         int64
}

type Manager struct {
	dir string
	log logx.Logger
}

func NewManager(dir string, log logx.Logger) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./images"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{dir: dir, log: log}, nil
}

func (m *Manager) Dir() string { return m.dir }

// Allowed reports whether the filename has a supported image extension.
func Allowed(name string) bool {
	return allowedExts[strings.ToLower(filepath.Ext(name))]
}

// Save writes data under a fresh uuid filename, keeping the original
// extension. The original name is only metadata.
func (m *Manager) Save(originalName string, data []byte) (Stored, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !allowedExts[ext] {
		return Stored{}, fmt.Errorf("%w: %q", ErrUnsupportedType, originalName)
	}
	path := filepath.Join(m.dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Stored{}, err
	}
	m.log.Debug("attachment stored", logx.String("path", path), logx.Int("size", len(data)))
	return Stored{Path: path, OriginalName: originalName, Size: int64(len(data))}, nil
}

// Cleanup removes stored files, best effort. Missing files are not an error:
// a crashed cleanup may have gotten partway through before.
func (m *Manager) Cleanup(paths []string) {
	for _, p := range paths {
		err := os.Remove(p)
		if err != nil && !os.IsNotExist(err) {
			m.log.Warn("image cleanup failed", logx.String("path", p), logx.Err(err))
			continue
		}
		if err == nil {
			m.log.Debug("image cleaned up", logx.String("path", p))
		}
	}
}

// SweepOrphans removes stored files older than the retention window. It backs
// the daily maintenance job; files belonging to still-pending posts are
// expected to be younger than any sane retention.
func (m *Manager) SweepOrphans(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !Allowed(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.log.Info("orphaned images removed", logx.Int("count", removed))
	}
	return removed, nil
}
