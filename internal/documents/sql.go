package documents

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/stewardhq/steward/internal/storage"
)

// SQLStore persists documents in the shared SQLite database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a document store backed by db. The schema must already
// be applied (see storage.Open).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Insert(ctx context.Context, doc *Document, embeddings []Embedding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin document insert: %w", err)
	}
	defer tx.Rollback()

	var metaJSON any
	if len(doc.Metadata) > 0 {
		raw, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal document metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, source_type, source_id, source_uri, file_path, doc_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID,
		doc.Title,
		doc.SourceType,
		nullIfEmpty(doc.SourceID),
		nullIfEmpty(doc.SourceURI),
		nullIfEmpty(doc.FilePath),
		metaJSON,
		doc.CreatedAt.UTC(),
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_embeddings (document_id, chunk_index, embedding_type, embedding_model, embedding, content)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare embedding insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range embeddings {
		_, err := stmt.ExecContext(ctx,
			doc.ID,
			e.ChunkIndex,
			e.EmbeddingType,
			e.EmbeddingModel,
			encodeVector(e.Vector),
			e.Content,
		)
		if err != nil {
			return fmt.Errorf("failed to insert embedding chunk %d: %w", e.ChunkIndex, err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, title, source_type, source_id, source_uri, file_path, doc_metadata, created_at
		FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]*Document, error) {
	query := `
		SELECT id, title, source_type, source_id, source_uri, file_path, doc_metadata, created_at
		FROM documents ORDER BY created_at DESC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return out, nil
}

// Delete removes the document; embedding rows cascade.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Embeddings(ctx context.Context, documentID string) ([]Embedding, error) {
	return s.queryEmbeddings(ctx, `
		SELECT id, document_id, chunk_index, embedding_type, embedding_model, embedding, content
		FROM document_embeddings WHERE document_id = ? ORDER BY chunk_index ASC`, documentID)
}

func (s *SQLStore) AllEmbeddings(ctx context.Context) ([]Embedding, error) {
	return s.queryEmbeddings(ctx, `
		SELECT id, document_id, chunk_index, embedding_type, embedding_model, embedding, content
		FROM document_embeddings ORDER BY id ASC`)
}

func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) queryEmbeddings(ctx context.Context, query string, args ...any) ([]Embedding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var e Embedding
		var blob []byte
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.ChunkIndex, &e.EmbeddingType, &e.EmbeddingModel, &blob, &e.Content); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		e.Vector = decodeVector(blob)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
	}
	return out, nil
}

func scanDocument(row interface{ Scan(dest ...any) error }) (*Document, error) {
	doc := &Document{}
	var sourceID, sourceURI, filePath, metaJSON sql.NullString

	err := row.Scan(&doc.ID, &doc.Title, &doc.SourceType, &sourceID, &sourceURI, &filePath, &metaJSON, &doc.CreatedAt)
	if err != nil {
		return nil, err
	}

	doc.SourceID = sourceID.String
	doc.SourceURI = sourceURI.String
	doc.FilePath = filePath.String
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document metadata: %w", err)
		}
	}
	return doc, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// encodeVector packs a vector as little-endian IEEE 754 float32 bytes.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	data := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

// decodeVector unpacks little-endian float32 bytes; malformed blobs decode
// to nil and rank zero in vector search.
func decodeVector(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
