package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/repolens/pkg/models"
)

// DefaultMaxFileBytes bounds the size of a single file read into a snapshot.
const DefaultMaxFileBytes = 1 << 20

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// LocalSource reads a snapshot from a directory on disk.
type LocalSource struct {
	Root         string
	MaxFileBytes int
	Walker       FileSystemWalker
	FileReader   FileReader
}

// NewLocal creates a LocalSource rooted at root.
func NewLocal(root string) *LocalSource {
	return &LocalSource{
		Root:         root,
		MaxFileBytes: DefaultMaxFileBytes,
		Walker:       &DefaultFileSystemWalker{},
		FileReader:   &DefaultFileReader{},
	}
}

// ListFiles returns every readable text file under Root, sorted by path.
// Paths are slash-separated and relative to Root.
func (s *LocalSource) ListFiles(ctx context.Context, _ string) ([]models.File, error) {
	var files []models.File
	err := s.Walker.Walk(s.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Handle test case where de might be nil (for MockFileSystemWalker)
			if de != nil && de.IsDir() {
				if path != s.Root && SkipDir(rel(s.Root, path)) {
					return godirwalk.SkipThis
				}
				return nil
			}
			relPath := rel(s.Root, path)
			if Skip(relPath) {
				return nil
			}

			b, err := s.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			if !isText(b, s.MaxFileBytes) {
				log.Debug().Str("path", relPath).Int("bytes", len(b)).Msg("skipping non-text or oversized file")
				return nil
			}
			files = append(files, models.File{Path: relPath, Content: string(b)})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.Root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ReadFile reads one repository-relative path. Paths escaping Root are rejected.
func (s *LocalSource) ReadFile(_ context.Context, _ string, p string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes repository root", models.ErrInvalidInput, p)
	}
	b, err := s.FileReader.ReadFile(filepath.Join(s.Root, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", models.ErrNotFound, p)
		}
		return "", err
	}
	return string(b), nil
}

func isText(b []byte, max int) bool {
	if max > 0 && len(b) > max {
		return false
	}
	head := b
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) < 0
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}
