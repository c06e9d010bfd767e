// Package realms holds the realms compiled into the intentd binary.
package realms

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/registry"
)

// Intent types handled by Content.
const (
	IntentUpload  = "content.upload"
	IntentAnalyze = "content.analyze"
)

// Result types produced by Content.
const (
	ResultUpload     = "upload"
	ResultParsedText = "parsed_text"
	ResultPreview    = "preview"
	ResultStats      = "text_stats"
)

const previewLen = 256

const uploadSchema = `{
	"type": "object",
	"required": ["filename", "content"],
	"properties": {
		"filename": {"type": "string", "minLength": 1},
		"content": {"type": "string"},
		"encoding": {"enum": ["text", "base64"]},
		"content_type": {"type": "string"}
	}
}`

const analyzeSchema = `{
	"type": "object",
	"required": ["text"],
	"properties": {"text": {"type": "string"}}
}`

// Content is a small document realm: it stores uploads and derives plain
// text, a preview and word statistics from them.
type Content struct{}

// NewContent creates the content realm.
func NewContent() *Content { return &Content{} }

func (*Content) Name() string    { return "content" }
func (*Content) Version() string { return "1.0.0" }

func (*Content) DeclareIntents() []string {
	return []string{IntentAnalyze, IntentUpload}
}

func (*Content) ParameterSchemas() map[string]string {
	return map[string]string{
		IntentUpload:  uploadSchema,
		IntentAnalyze: analyzeSchema,
	}
}

// HandleIntent implements registry.Realm.
func (c *Content) HandleIntent(ctx context.Context, intent model.Intent, ec registry.ExecContext) (registry.Outcome, error) {
	switch intent.Type {
	case IntentUpload:
		return c.upload(intent)
	case IntentAnalyze:
		text, _ := intent.Parameters["text"].(string)
		return registry.Outcome{
			Artifacts: map[string]registry.Artifact{"stats": stats(text)},
			Events: []model.DomainEvent{{
				Type:    "content.analyzed",
				Payload: model.Payload{"words": len(strings.Fields(text))},
			}},
		}, nil
	}
	return registry.Outcome{}, &registry.RealmError{Realm: c.Name(), Code: "unsupported", Message: intent.Type}
}

func (c *Content) upload(intent model.Intent) (registry.Outcome, error) {
	filename, _ := intent.Parameters["filename"].(string)
	content, _ := intent.Parameters["content"].(string)
	contentType, _ := intent.Parameters["content_type"].(string)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	data := []byte(content)
	if enc, _ := intent.Parameters["encoding"].(string); enc == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return registry.Outcome{}, &registry.RealmError{Realm: c.Name(), Code: "bad_encoding", Message: "content is not base64", Err: err}
		}
		data = decoded
	}

	out := registry.Outcome{
		Artifacts: map[string]registry.Artifact{
			"original": {ResultType: ResultUpload, ContentType: contentType, Data: data},
		},
	}
	if utf8.Valid(data) {
		text := string(data)
		out.Artifacts["text"] = registry.Artifact{ResultType: ResultParsedText, ContentType: "text/plain", Data: data}
		out.Artifacts["preview"] = registry.Artifact{ResultType: ResultPreview, ContentType: "text/plain", Data: []byte(preview(text))}
		out.Artifacts["stats"] = stats(text)
	}
	out.Events = []model.DomainEvent{{
		Type: "content.uploaded",
		Payload: model.Payload{
			"filename": filename,
			"bytes":    len(data),
			"digest":   model.Digest(model.DomainArtifact, data),
		},
	}}
	return out, nil
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLen {
		return text
	}
	return string([]rune(text)[:previewLen])
}

func stats(text string) registry.Artifact {
	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
	}
	body := fmt.Sprintf(`{"chars":%d,"lines":%d,"words":%d}`, utf8.RuneCountInString(text), lines, len(strings.Fields(text)))
	return registry.Artifact{ResultType: ResultStats, ContentType: "application/json", Data: []byte(body)}
}
