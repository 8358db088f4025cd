// Package oracle defines the vision oracle boundary: an external
// vision-capable model that judges a structured record against the source
// document image and proposes corrections.
package oracle

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/docsight/docsight/internal/record"
	"github.com/docsight/docsight/internal/schema"
)

// DocumentRef is an opaque handle to the document the oracle grades
// against. The round controller never inspects it.
type DocumentRef struct {
	// MediaType is the image MIME type, e.g. "image/png".
	MediaType string
	// Data is the raw image bytes.
	Data []byte
	// Text is layout-preserving recognized text. For documents with no
	// image payload (PDFs) it carries the entire document content into
	// every prompt.
	Text string
	// FileID optionally names a provider-side uploaded file. When set,
	// adapters may reference it instead of re-sending Data.
	FileID string
	// Name is a human-readable label used in logs and traces.
	Name string
}

// maxPromptTextChars bounds how much recognized text rides along in a
// prompt. Beyond this the text stops adding signal and only adds cost.
const maxPromptTextChars = 20000

// PromptText returns the recognized text trimmed and truncated for prompt
// use. Truncation never splits a UTF-8 sequence.
func (d DocumentRef) PromptText() string {
	text := strings.TrimSpace(d.Text)
	if len(text) <= maxPromptTextChars {
		return text
	}
	cut := maxPromptTextChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Issue is one problem the oracle found in the current record.
type Issue struct {
	FieldPath string `json:"field_path"`
	Observed  string `json:"observed"`
	Expected  string `json:"expected"`
	Rationale string `json:"rationale"`
}

// Findings is the outcome of one validate call. Findings are advisory:
// the engine interprets them but never re-derives them.
type Findings struct {
	IssuesFound int     `json:"issues_found"`
	Confidence  float64 `json:"confidence"`
	Issues      []Issue `json:"issues,omitempty"`
}

// Oracle is the vision collaborator consumed by the round controller.
//
// Validate must be idempotent for identical record state; it need not be
// deterministic. Correct returns a full record of the same top-level shape
// as its input and never drops schema tables, though it may return them
// empty. Both return TransportError for retryable infrastructure faults
// and SemanticError when the model explicitly cannot assess the document.
type Oracle interface {
	Validate(ctx context.Context, rec record.Value, sch *schema.Schema, doc DocumentRef) (Findings, error)
	Correct(ctx context.Context, rec record.Value, findings Findings, sch *schema.Schema, doc DocumentRef) (record.Value, error)
}
