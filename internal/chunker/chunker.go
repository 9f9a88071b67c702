// Package chunker splits file content into fixed-size overlapping windows.
package chunker

import (
	"fmt"

	"github.com/seanblong/repolens/pkg/models"
)

const (
	DefaultSize    = 500
	DefaultOverlap = 50
)

// Chunker cuts text into windows of Size runes, each sharing Overlap runes
// with its predecessor.
type Chunker struct {
	Size    int
	Overlap int
}

// New returns a Chunker, rejecting windows that could not advance.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{Size: size, Overlap: overlap}, nil
}

// Default returns a Chunker with 500-rune windows and 50 runes of overlap.
func Default() *Chunker {
	return &Chunker{Size: DefaultSize, Overlap: DefaultOverlap}
}

// Chunk splits every file in order. Files with empty content contribute nothing.
func (c *Chunker) Chunk(files []models.File) []models.Chunk {
	var out []models.Chunk
	for _, f := range files {
		out = append(out, c.ChunkFile(f)...)
	}
	return out
}

// ChunkFile splits a single file. Sequence numbers start at zero per file.
func (c *Chunker) ChunkFile(f models.File) []models.Chunk {
	runes := []rune(f.Content)
	if len(runes) == 0 {
		return nil
	}

	step := c.Size - c.Overlap
	var out []models.Chunk
	for start, seq := 0, 0; start < len(runes); start, seq = start+step, seq+1 {
		end := start + c.Size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, models.Chunk{
			SourcePath: f.Path,
			Text:       string(runes[start:end]),
			Seq:        seq,
		})
		if end == len(runes) {
			break
		}
	}
	return out
}
