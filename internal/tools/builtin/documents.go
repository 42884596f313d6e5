package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/stewardhq/steward/internal/documents"
	"github.com/stewardhq/steward/internal/tools"
)

type indexDocumentArgs struct {
	Title      string         `json:"title" jsonschema:"description=Document title"`
	Content    string         `json:"content,omitempty" jsonschema:"description=Inline text to index. Give this or source_uri."`
	SourceURI  string         `json:"source_uri,omitempty" jsonschema:"description=URL to fetch and index. Give this or content."`
	SourceType string         `json:"source_type,omitempty" jsonschema:"description=Origin tag such as manual or email or web"`
	MimeType   string         `json:"mime_type,omitempty" jsonschema:"description=MIME type of the content"`
	Metadata   map[string]any `json:"metadata,omitempty" jsonschema:"description=Extra key-value pairs stored with the document"`
}

type documentSearchArgs struct {
	Query string `json:"query" jsonschema:"description=Search text"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results (default 5)"`
}

func documentTools(deps Deps) []tools.Tool {
	return []tools.Tool{
		{
			Name:        "index_document",
			Description: "Queue a document for indexing so it becomes searchable.",
			Schema:      schemaFor(&indexDocumentArgs{}),
			Execute:     indexDocument(deps.Documents),
		},
		{
			Name:        "document_search",
			Description: "Search indexed documents by meaning and keywords.",
			Schema:      schemaFor(&documentSearchArgs{}),
			Execute:     documentSearch(deps.Documents),
		},
	}
}

func indexDocument(svc DocumentService) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in indexDocumentArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}

		docID, task, err := svc.RequestIndex(ctx, documents.IndexRequest{
			Title:      in.Title,
			SourceType: in.SourceType,
			SourceID:   execCtx.ConversationID,
			Content:    in.Content,
			SourceURI:  in.SourceURI,
			MimeType:   in.MimeType,
			Metadata:   in.Metadata,
		})
		if err != nil {
			return tools.Errorf("index document: %v", err), nil
		}

		return tools.Text(fmt.Sprintf("Document indexing queued.\nDocument ID: %s\nTask ID: %s", docID, task.ID)), nil
	}
}

func documentSearch(svc DocumentService) tools.ExecuteFunc {
	return func(ctx context.Context, args map[string]any, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
		var in documentSearchArgs
		if err := decodeInto(args, &in); err != nil {
			return tools.Errorf("invalid arguments: %v", err), nil
		}

		results, err := svc.Search(ctx, in.Query, in.Limit)
		if err != nil {
			return tools.Errorf("document search: %v", err), nil
		}
		if len(results) == 0 {
			return tools.Text("No matching documents found."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Found %d document(s):\n\n", len(results))
		for i, r := range results {
			fmt.Fprintf(&sb, "%d. **%s** (score %.4f)\n", i+1, r.Title, r.Score)
			fmt.Fprintf(&sb, "   ID: %s\n", r.DocumentID)
			if snippet := strings.TrimSpace(r.Content); snippet != "" {
				fmt.Fprintf(&sb, "   %s\n", truncate(snippet, 300))
			}
			sb.WriteString("\n")
		}
		return tools.Text(strings.TrimRight(sb.String(), "\n")), nil
	}
}
