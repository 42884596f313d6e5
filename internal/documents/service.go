package documents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/queue"
	"github.com/stewardhq/steward/pkg/models"
)

// TaskType is the queue task type the indexing handler serves.
const TaskType = "index_document"

// EventSource is the source tag of indexing completion events.
const EventSource = "document_indexing"

const rrfConstant = 60

// Publisher delivers events to the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, evt models.Event)
}

// Enqueuer inserts queue tasks. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Task, bool, error)
}

// Service runs the indexing pipeline and hybrid search.
type Service struct {
	store      Store
	embedder   Embedder
	enqueuer   Enqueuer
	publisher  Publisher
	processors []Processor
	logger     *observability.Logger
	chunkSize  int
	overlap    int
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *observability.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithPublisher sets where indexing completion events go.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithEnqueuer sets the queue RequestIndex inserts tasks into.
func WithEnqueuer(e Enqueuer) ServiceOption {
	return func(s *Service) { s.enqueuer = e }
}

// WithProcessors sets the pipeline, replacing the default URL fetcher.
func WithProcessors(procs ...Processor) ServiceOption {
	return func(s *Service) { s.processors = procs }
}

// WithChunking overrides chunk size and overlap.
func WithChunking(size, overlap int) ServiceOption {
	return func(s *Service) {
		if size > 0 {
			s.chunkSize = size
		}
		if overlap >= 0 {
			s.overlap = overlap
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a document service over store and embedder.
func NewService(store Store, embedder Embedder, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		embedder:  embedder,
		logger:    observability.NewLogger(observability.LogConfig{}),
		chunkSize: 1200,
		overlap:   200,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.processors == nil {
		s.processors = []Processor{NewURLFetchProcessor(0, s.logger)}
	}
	return s
}

// IndexRequest describes a document to index.
type IndexRequest struct {
	Title      string
	SourceType string
	SourceID   string
	// Content is inline text to index. Either Content or SourceURI is
	// required.
	Content   string
	SourceURI string
	MimeType  string
	Metadata  map[string]any
}

func (r IndexRequest) validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("document title is required")
	}
	if strings.TrimSpace(r.Content) == "" && strings.TrimSpace(r.SourceURI) == "" {
		return fmt.Errorf("document content or source uri is required")
	}
	return nil
}

// RequestIndex enqueues an indexing task and returns the assigned document
// id with the queued task. The heavy work happens in HandleIndexTask.
func (s *Service) RequestIndex(ctx context.Context, req IndexRequest) (string, *queue.Task, error) {
	if err := req.validate(); err != nil {
		return "", nil, err
	}
	if s.enqueuer == nil {
		return "", nil, fmt.Errorf("document service has no queue")
	}

	documentID := "doc_" + uuid.New().String()
	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = "manual"
	}

	payload := map[string]any{
		"document_id": documentID,
		"source_type": sourceType,
		"source_id":   req.SourceID,
		"title":       req.Title,
	}
	if req.Content != "" {
		payload["content"] = req.Content
	}
	if req.SourceURI != "" {
		payload["source_uri"] = req.SourceURI
	}
	if req.MimeType != "" {
		payload["mime_type"] = req.MimeType
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	task, _, err := s.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		TaskID:      "idx_" + uuid.New().String(),
		Type:        TaskType,
		Payload:     payload,
		ScheduledAt: s.now(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to enqueue indexing task: %w", err)
	}
	return documentID, task, nil
}

// HandleIndexTask is the queue handler for index_document tasks: it runs
// the pipeline, chunks and embeds the content, inserts the document with
// its embeddings in one transaction, and publishes the completion event.
func (s *Service) HandleIndexTask(ctx context.Context, task *queue.Task) error {
	documentID := task.PayloadString("document_id")
	if documentID == "" {
		return fmt.Errorf("index task %s missing document_id", task.ID)
	}
	title := task.PayloadString("title")
	if title == "" {
		title = documentID
	}

	items := s.seedItems(task)
	var err error
	for _, proc := range s.processors {
		items, err = proc.Process(ctx, items)
		if err != nil {
			return fmt.Errorf("processor %s: %w", proc.Name(), err)
		}
	}

	doc := &Document{
		ID:         documentID,
		Title:      title,
		SourceType: task.PayloadString("source_type"),
		SourceID:   task.PayloadString("source_id"),
		SourceURI:  task.PayloadString("source_uri"),
		CreatedAt:  s.now().UTC(),
	}
	if meta, ok := task.Payload["metadata"].(map[string]any); ok {
		doc.Metadata = meta
	}

	embeddings, err := s.embedItems(ctx, doc, items)
	if err != nil {
		return err
	}

	if err := s.store.Insert(ctx, doc, embeddings); err != nil {
		return fmt.Errorf("failed to store document %s: %w", documentID, err)
	}

	s.logger.Info(ctx, "document indexed",
		"document_id", documentID,
		"title", title,
		"chunks", len(embeddings),
	)

	if s.publisher != nil {
		s.publisher.Publish(ctx, models.Event{
			Source:    EventSource,
			Timestamp: s.now().UTC(),
			Payload: map[string]any{
				"document_id": documentID,
				"title":       title,
				"source_type": doc.SourceType,
				"source_id":   doc.SourceID,
				"chunks":      len(embeddings),
				"status":      "completed",
			},
		})
	}
	return nil
}

// seedItems builds the initial pipeline input from the task payload.
func (s *Service) seedItems(task *queue.Task) []IndexableContent {
	mimeType := task.PayloadString("mime_type")
	if mimeType == "" {
		mimeType = "text/plain"
	}

	var items []IndexableContent
	if content := task.PayloadString("content"); content != "" {
		items = append(items, IndexableContent{
			Content:         content,
			EmbeddingType:   EmbeddingContentChunk,
			SourceProcessor: "inline",
			MimeType:        mimeType,
		})
	}
	if uri := task.PayloadString("source_uri"); uri != "" && len(items) == 0 {
		// No inline content: hand the URI to the fetch processor.
		items = append(items, IndexableContent{
			Content:         uri,
			EmbeddingType:   EmbeddingContentChunk,
			SourceProcessor: "inline",
			MimeType:        "text/plain",
		})
	}
	return items
}

func (s *Service) embedItems(ctx context.Context, doc *Document, items []IndexableContent) ([]Embedding, error) {
	var embeddings []Embedding
	chunkIndex := 0

	appendRow := func(content, embeddingType string) error {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to embed chunk %d: %w", chunkIndex, err)
		}
		embeddings = append(embeddings, Embedding{
			DocumentID:     doc.ID,
			ChunkIndex:     chunkIndex,
			EmbeddingType:  embeddingType,
			EmbeddingModel: s.embedder.Name(),
			Vector:         vec,
			Content:        content,
		})
		chunkIndex++
		return nil
	}

	if err := appendRow(doc.Title, EmbeddingTitle); err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Content == "" {
			continue
		}
		for _, chunk := range Chunk(item.Content, s.chunkSize, s.overlap) {
			if err := appendRow(chunk, item.EmbeddingType); err != nil {
				return nil, err
			}
		}
	}
	return embeddings, nil
}

// SearchResult is one hybrid search hit.
type SearchResult struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// Search runs hybrid retrieval: embeddings ranked by cosine similarity and
// chunks ranked by keyword overlap, fused by reciprocal rank (k=60). At
// most one hit per document is returned, best chunk first.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is required")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.store.AllEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	scores := make([]float64, len(rows))
	for rank, idx := range rankByVector(rows, queryVec) {
		scores[idx] += 1 / float64(rrfConstant+rank+1)
	}
	for rank, idx := range rankByKeyword(rows, query) {
		scores[idx] += 1 / float64(rrfConstant+rank+1)
	}

	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	var results []SearchResult
	seenDocs := map[string]bool{}
	for _, idx := range order {
		if scores[idx] == 0 {
			break
		}
		row := rows[idx]
		if seenDocs[row.DocumentID] {
			continue
		}
		seenDocs[row.DocumentID] = true

		title := ""
		if doc, err := s.store.Get(ctx, row.DocumentID); err == nil {
			title = doc.Title
		}
		results = append(results, SearchResult{
			DocumentID: row.DocumentID,
			Title:      title,
			Content:    row.Content,
			ChunkIndex: row.ChunkIndex,
			Score:      scores[idx],
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// rankByVector returns row indexes ordered by descending cosine similarity;
// rows without a comparable vector are excluded.
func rankByVector(rows []Embedding, queryVec []float32) []int {
	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	for i, row := range rows {
		sim := cosineSimilarity(queryVec, row.Vector)
		if sim > 0 {
			hits = append(hits, scored{idx: i, score: sim})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.idx
	}
	return out
}

// rankByKeyword returns row indexes ordered by how many distinct query
// tokens the chunk contains; rows matching no token are excluded.
func rankByKeyword(rows []Embedding, query string) []int {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for i, row := range rows {
		content := strings.ToLower(row.Content)
		matched := 0
		for _, token := range tokens {
			if strings.Contains(content, token) {
				matched++
			}
		}
		if matched > 0 {
			hits = append(hits, scored{idx: i, score: matched})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.idx
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
