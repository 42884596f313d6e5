// Package documents stores indexed documents with per-chunk embeddings and
// serves hybrid search over them: cosine similarity on vectors fused with a
// keyword ranking by reciprocal rank.
//
// Indexing runs as a queue task: the pipeline turns the request into
// IndexableContent items, chunks and embeds them, and inserts the document
// row plus all embedding rows in one transaction at the end. A completion
// event is published to the document_indexing source so listeners can react.
package documents

import (
	"context"
	"time"
)

// Embedding row types. content_chunk carries the chunked body; the others
// are single-row auxiliary vectors.
const (
	EmbeddingContentChunk = "content_chunk"
	EmbeddingSummary      = "summary"
	EmbeddingTitle        = "title"
	EmbeddingOCRText      = "ocr_text"
)

// Document is one indexed source.
type Document struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id,omitempty"`
	SourceURI  string         `json:"source_uri,omitempty"`
	FilePath   string         `json:"file_path,omitempty"`
	Metadata   map[string]any `json:"doc_metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Embedding is one embedded chunk of a document.
type Embedding struct {
	ID             int64     `json:"id"`
	DocumentID     string    `json:"document_id"`
	ChunkIndex     int       `json:"chunk_index"`
	EmbeddingType  string    `json:"embedding_type"`
	EmbeddingModel string    `json:"embedding_model"`
	Vector         []float32 `json:"-"`
	Content        string    `json:"content"`
}

// Store persists documents and their embeddings. Insert writes the document
// and all embedding rows atomically; inserting an existing document id
// returns storage.ErrAlreadyExists.
type Store interface {
	Insert(ctx context.Context, doc *Document, embeddings []Embedding) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, limit int) ([]*Document, error)
	Delete(ctx context.Context, id string) error

	// Embeddings returns a document's rows ordered by chunk index.
	Embeddings(ctx context.Context, documentID string) ([]Embedding, error)

	// AllEmbeddings returns every embedding row for search scans.
	AllEmbeddings(ctx context.Context) ([]Embedding, error)

	Close() error
}

func cloneDocument(d *Document) *Document {
	out := *d
	if d.Metadata != nil {
		out.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneEmbedding(e Embedding) Embedding {
	out := e
	if e.Vector != nil {
		out.Vector = make([]float32, len(e.Vector))
		copy(out.Vector, e.Vector)
	}
	return out
}
