// Package fingerprint derives the cache key for a repository snapshot.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/seanblong/repolens/pkg/models"
)

type entry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Of returns a hex SHA-256 digest over the (path, content) pairs sorted by
// path. Input order does not matter; any byte change in a path or content does.
func Of(files []models.File) string {
	entries := make([]entry, len(files))
	for i, f := range files {
		entries[i] = entry{Path: f.Path, Content: f.Content}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Path != entries[j].Path {
			return entries[i].Path < entries[j].Path
		}
		return entries[i].Content < entries[j].Content
	})

	// json.Marshal of strings cannot fail; the encoding also delimits fields
	// so ("ab","c") and ("a","bc") never collide.
	b, _ := json.Marshal(entries)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
