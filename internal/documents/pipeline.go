package documents

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/observability"
)

// IndexableContent is one unit of text produced by the pipeline, tagged
// with how it should be embedded and where it came from.
type IndexableContent struct {
	Content         string
	EmbeddingType   string
	SourceProcessor string
	MimeType        string
	// Ref points at out-of-band content (a fetched binary's temp path).
	Ref      string
	Metadata map[string]any
}

// Processor transforms the item list, typically by appending derived items.
type Processor interface {
	Name() string
	Process(ctx context.Context, items []IndexableContent) ([]IndexableContent, error)
}

const (
	defaultFetchTimeout = 15 * time.Second
	maxFetchBytes       = 10 << 20
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// URLFetchProcessor extracts URLs from item content and fetches them.
// Textual responses are inlined as new items; binaries are written to temp
// files and referenced by path. Fetch failures skip the URL with a warning
// so one dead link does not fail the whole indexing task.
type URLFetchProcessor struct {
	client *http.Client
	logger *observability.Logger
}

// NewURLFetchProcessor creates a fetch processor. A zero timeout uses the
// 15 second default.
func NewURLFetchProcessor(timeout time.Duration, logger *observability.Logger) *URLFetchProcessor {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "info"})
	}
	return &URLFetchProcessor{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *URLFetchProcessor) Name() string { return "url_fetch" }

func (p *URLFetchProcessor) Process(ctx context.Context, items []IndexableContent) ([]IndexableContent, error) {
	out := items
	seen := map[string]bool{}
	for _, item := range items {
		if item.EmbeddingType != EmbeddingContentChunk {
			continue
		}
		for _, url := range urlPattern.FindAllString(item.Content, -1) {
			url = strings.TrimRight(url, ".,;:")
			if seen[url] {
				continue
			}
			seen[url] = true

			fetched, err := p.fetch(ctx, url)
			if err != nil {
				p.logger.Warn(ctx, "document url fetch failed", "url", url, "error", err)
				continue
			}
			out = append(out, *fetched)
		}
	}
	return out, nil
}

func (p *URLFetchProcessor) fetch(ctx context.Context, url string) (*IndexableContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, err
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	item := IndexableContent{
		EmbeddingType:   EmbeddingContentChunk,
		SourceProcessor: p.Name(),
		MimeType:        mimeType,
		Metadata:        map[string]any{"url": url},
	}

	if isTextual(mimeType) {
		item.Content = string(body)
		return &item, nil
	}

	tmp, err := os.CreateTemp("", "steward-doc-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage fetched binary: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write fetched binary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close fetched binary: %w", err)
	}
	item.Ref = tmp.Name()
	item.Content = fmt.Sprintf("binary content (%s, %d bytes) from %s", mimeType, len(body), url)
	return &item, nil
}

func isTextual(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/json", "application/xml", "application/xhtml+xml", "text/markdown":
		return true
	}
	return false
}

// Chunk splits text into rune windows of the given size with overlap
// between consecutive chunks. A non-positive size yields the whole text as
// one chunk; overlap is clamped below size.
func Chunk(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
