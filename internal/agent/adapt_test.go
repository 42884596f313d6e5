package agent

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

type fakeLoader struct {
	meta    map[string]*attachments.Attachment
	content map[string][]byte
}

func (f *fakeLoader) Get(ctx context.Context, id string) (*attachments.Attachment, error) {
	if a, ok := f.meta[id]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeLoader) GetContent(ctx context.Context, id string) ([]byte, error) {
	if c, ok := f.content[id]; ok {
		return c, nil
	}
	return nil, storage.ErrNotFound
}

func newTestAdapter(loader *fakeLoader) *adapter {
	return &adapter{
		loader: loader,
		logger: observability.NewLogger(observability.LogConfig{Level: "error"}),
	}
}

func loaderWith(id, mimeType string, content []byte) *fakeLoader {
	return &fakeLoader{
		meta: map[string]*attachments.Attachment{
			id: {ID: id, MimeType: mimeType, Size: int64(len(content))},
		},
		content: map[string][]byte{id: content},
	}
}

func testPNG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

var allCaps = providerCaps{multimodalToolResults: true, vision: true}

func TestAdaptToolResultInlinesSmallText(t *testing.T) {
	a := newTestAdapter(loaderWith("t1", "text/plain", []byte("hello world")))
	result := &tools.ToolResult{
		Content:     "wrote the file",
		Attachments: []models.Attachment{{ID: "t1", MimeType: "text/plain"}},
	}

	msgs := a.adaptToolResult(context.Background(), "c1", result, allCaps)
	if len(msgs) != 1 {
		t.Fatalf("adaptToolResult() returned %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Role != "tool" || got.ToolCallID != "c1" {
		t.Errorf("tool message = %+v, want role tool with call id c1", got)
	}
	if !strings.Contains(got.Content, "wrote the file") {
		t.Errorf("content %q lost the tool output", got.Content)
	}
	if !strings.Contains(got.Content, "hello world") {
		t.Errorf("content %q should inline the small text attachment", got.Content)
	}
	if !strings.Contains(got.Content, "t1") {
		t.Errorf("content %q should name the attachment id", got.Content)
	}
}

func TestAdaptToolResultLargeJSONBecomesSchema(t *testing.T) {
	big := []byte(`{"rows":[` + strings.Repeat(`{"id":"x","n":1},`, 2000) + `{"id":"x","n":1}]}`)
	if len(big) <= inlineTextLimit {
		t.Fatalf("fixture too small: %d bytes", len(big))
	}
	a := newTestAdapter(loaderWith("j1", "application/json", big))
	result := &tools.ToolResult{
		Attachments: []models.Attachment{{ID: "j1", MimeType: "application/json"}},
	}

	msgs := a.adaptToolResult(context.Background(), "c1", result, allCaps)
	got := msgs[0].Content
	if strings.Contains(got, `"id":"x"`) {
		t.Error("large JSON body should not be inlined")
	}
	if !strings.Contains(got, "Structure:") {
		t.Errorf("content %q should carry the induced structure", got)
	}
	if !strings.Contains(got, `"type": "object"`) {
		t.Errorf("content %q should render the schema", got)
	}
	if !strings.Contains(got, "attachment id j1") {
		t.Errorf("content %q should tell the model how to fetch the rest", got)
	}
}

func TestAdaptToolResultLargeTextSummarized(t *testing.T) {
	big := bytes.Repeat([]byte("line of log output\n"), 1000)
	a := newTestAdapter(loaderWith("l1", "text/plain", big))
	result := &tools.ToolResult{
		Attachments: []models.Attachment{{ID: "l1", MimeType: "text/plain"}},
	}

	msgs := a.adaptToolResult(context.Background(), "c1", result, allCaps)
	got := msgs[0].Content
	if strings.Contains(got, "line of log output") {
		t.Error("oversized text should not be inlined")
	}
	if !strings.Contains(got, "too large to inline") {
		t.Errorf("content %q should say the payload was withheld", got)
	}
}

func TestAdaptToolResultImageMultimodal(t *testing.T) {
	a := newTestAdapter(loaderWith("img1", "image/png", testPNG(8, 8)))
	result := &tools.ToolResult{
		Content:     "screenshot taken",
		Attachments: []models.Attachment{{ID: "img1", MimeType: "image/png", Filename: "shot.png"}},
	}

	msgs := a.adaptToolResult(context.Background(), "c1", result, allCaps)
	if len(msgs) != 1 {
		t.Fatalf("adaptToolResult() returned %d messages, want 1", len(msgs))
	}
	atts := msgs[0].Attachments
	if len(atts) != 1 {
		t.Fatalf("tool message attachments = %d, want 1", len(atts))
	}
	if !strings.HasPrefix(atts[0].URL, "data:image/png;base64,") {
		t.Errorf("attachment URL = %.40q, want inline data URL", atts[0].URL)
	}
	if atts[0].ID != "img1" || atts[0].Filename != "shot.png" {
		t.Errorf("attachment = %+v, want id and filename preserved", atts[0])
	}
}

func TestAdaptToolResultImageVisionOnly(t *testing.T) {
	caps := providerCaps{multimodalToolResults: false, vision: true}
	a := newTestAdapter(loaderWith("img1", "image/png", testPNG(8, 8)))
	result := &tools.ToolResult{
		Attachments: []models.Attachment{{ID: "img1", MimeType: "image/png"}},
	}

	msgs := a.adaptToolResult(context.Background(), "c1", result, caps)
	if len(msgs) != 2 {
		t.Fatalf("adaptToolResult() returned %d messages, want tool reply plus follow-up", len(msgs))
	}
	if len(msgs[0].Attachments) != 0 {
		t.Error("tool reply must not carry binaries for this provider")
	}
	if !strings.Contains(msgs[0].Content, "follows in the next message") {
		t.Errorf("tool reply %q should point at the follow-up", msgs[0].Content)
	}
	if msgs[1].Role != "user" || len(msgs[1].Attachments) != 1 {
		t.Fatalf("follow-up = %+v, want user message with the image", msgs[1])
	}
	if !strings.HasPrefix(msgs[1].Attachments[0].URL, "data:image/") {
		t.Errorf("follow-up URL = %.40q, want inline data URL", msgs[1].Attachments[0].URL)
	}
}

func TestAdaptToolResultImageNoVision(t *testing.T) {
	caps := providerCaps{}
	a := newTestAdapter(loaderWith("img1", "image/png", testPNG(8, 8)))
	result := &tools.ToolResult{
		Attachments: []models.Attachment{{ID: "img1", MimeType: "image/png"}},
	}

	msgs := a.adaptToolResult(context.Background(), "c1", result, caps)
	for i, msg := range msgs {
		if len(msg.Attachments) != 0 {
			t.Errorf("message %d carries attachments for a provider without vision", i)
		}
		if !strings.Contains(msg.Content, "retrievable by id") {
			t.Errorf("message %d content %q should describe the attachment", i, msg.Content)
		}
	}
}

func TestAdaptToolResultOtherBinary(t *testing.T) {
	a := newTestAdapter(loaderWith("p1", "application/pdf", []byte("%PDF-1.4 ...")))
	result := &tools.ToolResult{
		Attachments: []models.Attachment{{ID: "p1", MimeType: "application/pdf"}},
	}

	msgs := a.adaptToolResult(context.Background(), "c1", result, allCaps)
	if len(msgs) != 1 {
		t.Fatalf("adaptToolResult() returned %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "application/pdf") {
		t.Errorf("content %q should describe the binary", msgs[0].Content)
	}

	msgs = a.adaptToolResult(context.Background(), "c1", result, providerCaps{})
	if len(msgs) != 2 {
		t.Fatalf("adaptToolResult() returned %d messages, want describe echoed to a follow-up", len(msgs))
	}
}

func TestAdaptToolResultEmptyOutput(t *testing.T) {
	a := newTestAdapter(&fakeLoader{})
	msgs := a.adaptToolResult(context.Background(), "c1", tools.Text(""), allCaps)
	if msgs[0].Content != "(no output)" {
		t.Errorf("content = %q, want placeholder for silent tools", msgs[0].Content)
	}
}

func TestAdaptToolResultErrorFlag(t *testing.T) {
	a := newTestAdapter(&fakeLoader{})
	msgs := a.adaptToolResult(context.Background(), "c1", tools.Errorf("tool broke: %s", "disk full"), allCaps)
	if !msgs[0].IsError {
		t.Error("error result should keep IsError")
	}
	if msgs[0].Content != "tool broke: disk full" {
		t.Errorf("content = %q, want the error text", msgs[0].Content)
	}
}

func TestAdaptToolResultMissingContent(t *testing.T) {
	// Metadata row exists but the blob is gone; the description still
	// tells the model the attachment exists.
	a := newTestAdapter(&fakeLoader{
		meta: map[string]*attachments.Attachment{
			"t1": {ID: "t1", MimeType: "text/plain", Size: 99},
		},
	})
	result := &tools.ToolResult{
		Attachments: []models.Attachment{{ID: "t1", MimeType: "text/plain"}},
	}

	msgs := a.adaptToolResult(context.Background(), "c1", result, allCaps)
	if !strings.Contains(msgs[0].Content, "retrievable by id") {
		t.Errorf("content %q should fall back to a description", msgs[0].Content)
	}
}

func TestAdaptUserBinaryImageWithVision(t *testing.T) {
	a := newTestAdapter(&fakeLoader{})
	part := models.ContentPart{Type: "data", Data: testPNG(8, 8), MimeType: "image/png", Filename: "photo.png"}

	inline, note := a.adaptUserBinary(context.Background(), "u1", part, providerCaps{vision: true})
	if inline == nil {
		t.Fatal("expected inline attachment for a vision provider")
	}
	if !strings.HasPrefix(inline.URL, "data:image/png;base64,") {
		t.Errorf("URL = %.40q, want inline data URL", inline.URL)
	}
	if inline.ID != "u1" {
		t.Errorf("ID = %q, want the registered id", inline.ID)
	}
	if note != "" {
		t.Errorf("note = %q, want none when inlined", note)
	}
}

func TestAdaptUserBinaryImageNoVision(t *testing.T) {
	a := newTestAdapter(&fakeLoader{})
	part := models.ContentPart{Type: "data", Data: testPNG(8, 8), MimeType: "image/png"}

	inline, note := a.adaptUserBinary(context.Background(), "u1", part, providerCaps{})
	if inline != nil {
		t.Fatalf("inline = %+v, want none without vision", inline)
	}
	if !strings.Contains(note, "retrievable by id") {
		t.Errorf("note = %q, want a description", note)
	}
}

func TestAdaptUserBinaryDocument(t *testing.T) {
	a := newTestAdapter(&fakeLoader{})
	part := models.ContentPart{Type: "data", Data: []byte("%PDF-1.4"), MimeType: "application/pdf", Filename: "report.pdf"}

	inline, note := a.adaptUserBinary(context.Background(), "u1", part, allCaps)
	if inline != nil {
		t.Fatalf("inline = %+v, want none for documents", inline)
	}
	if !strings.Contains(note, "report.pdf") {
		t.Errorf("note = %q, want the filename mentioned", note)
	}
}
