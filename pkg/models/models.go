package models

import "time"

// File is one source file of a repository snapshot.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Chunk is an overlapping window of a file's content.
type Chunk struct {
	SourcePath string `json:"source_path"`
	Text       string `json:"text"`
	Seq        int    `json:"seq"`
}

// EmbeddingRecord is the persisted form of a chunk.
type EmbeddingRecord struct {
	Fingerprint string    `json:"fingerprint"`
	SourcePath  string    `json:"source_path"`
	Seq         int       `json:"seq"`
	ChunkText   string    `json:"chunk_text"`
	Vector      []float32 `json:"-"`
}

type RetrievalResult struct {
	SourcePath string  `json:"source_path"`
	ChunkText  string  `json:"chunk_text"`
	Distance   float64 `json:"distance"`
}

// EmbedSummary reports the outcome of an embedding request.
type EmbedSummary struct {
	Fingerprint string `json:"fingerprint"`
	Files       int    `json:"files"`
	Chunks      int    `json:"chunks"`
	Cached      bool   `json:"cached"`
}

// SectionLabel names a block of assembled context.
type SectionLabel string

const (
	SectionSelectedFile  SectionLabel = "SELECTED_FILE"
	SectionVectorChunks  SectionLabel = "VECTOR_CHUNKS"
	SectionDirectMatches SectionLabel = "DIRECT_MATCHES"
)

// CachedReadme is a generated README kept for later requests.
type CachedReadme struct {
	Owner        string    `json:"owner"`
	Repo         string    `json:"repo"`
	Readme       string    `json:"readme"`
	Instructions string    `json:"instructions,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
