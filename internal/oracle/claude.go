package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docsight/docsight/internal/jsonrepair"
	"github.com/docsight/docsight/internal/record"
	"github.com/docsight/docsight/internal/resilience"
	"github.com/docsight/docsight/internal/schema"
	"github.com/docsight/docsight/pkg/anthropic"
)

const validateSystemPrompt = `You are a meticulous document auditor. You compare structured data extracted from a scanned document against the document itself, supplied as an attached image or as recognized text, and report discrepancies.

Respond with a single JSON object and nothing else:
{
  "can_assess": true,
  "issues_found": <number of problems>,
  "confidence": <your estimate of the extraction's accuracy, 0.0 to 1.0>,
  "issues": [
    {"field_path": "<path>", "observed": "<value in the record>", "expected": "<value visible in the document>", "rationale": "<short explanation>"}
  ]
}

Pay particular attention to table rows where values sit under the wrong column header. If the document is illegible or you cannot assess it, respond with {"can_assess": false, "reason": "<why>"}.`

const correctSystemPrompt = `You are a meticulous document auditor. You are given structured data extracted from a scanned document, a list of known problems, and the document itself, supplied as an attached image or as recognized text. Produce the corrected version of the data.

Respond with the complete corrected record as a single JSON object and nothing else. Keep every top-level field and table from the input, even if a table ends up empty. Do not invent values you cannot read in the document. If the document is illegible, respond with {"can_assess": false, "reason": "<why>"}.`

// ClaudeConfig configures the Claude-backed oracle.
type ClaudeConfig struct {
	// Model is the vision-capable model ID.
	Model string
	// MaxTokens caps each response. Correction responses carry full
	// records, so this should comfortably exceed the record size.
	MaxTokens int64
	// Limiter bounds the request rate across all jobs sharing this
	// oracle. Nil means unlimited.
	Limiter *rate.Limiter
}

// Claude implements Oracle against the Anthropic API. An instance serves
// one job at a time; concurrent jobs each get their own Claude sharing
// the same Client and Limiter, which are both safe to share.
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter

	repairs []string
}

// NewClaude builds an oracle from an API client.
func NewClaude(client anthropic.Client, cfg ClaudeConfig) *Claude {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Claude{
		client:    client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		limiter:   cfg.Limiter,
	}
}

// TakeRepairs returns the JSON repair strategies applied since the last
// call and resets the list. The round controller attaches them to the
// round that triggered them.
func (c *Claude) TakeRepairs() []string {
	out := c.repairs
	c.repairs = nil
	return out
}

// Validate implements Oracle.
func (c *Claude) Validate(ctx context.Context, rec record.Value, sch *schema.Schema, doc DocumentRef) (Findings, error) {
	prompt, err := validatePrompt(rec, sch, doc)
	if err != nil {
		return Findings{}, eris.Wrap(err, "oracle: build validate prompt")
	}

	body, err := c.send(ctx, "validate", validateSystemPrompt, prompt, doc)
	if err != nil {
		return Findings{}, err
	}

	var resp struct {
		CanAssess   *bool   `json:"can_assess"`
		Reason      string  `json:"reason"`
		IssuesFound int     `json:"issues_found"`
		Confidence  float64 `json:"confidence"`
		Issues      []Issue `json:"issues"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Findings{}, &TransportError{Op: "validate", Err: eris.Wrap(err, "decode findings")}
	}
	if resp.CanAssess != nil && !*resp.CanAssess {
		return Findings{}, &SemanticError{Op: "validate", Reason: resp.Reason}
	}

	f := Findings{
		IssuesFound: resp.IssuesFound,
		Confidence:  clamp01(resp.Confidence),
		Issues:      resp.Issues,
	}
	if f.IssuesFound < 0 {
		f.IssuesFound = 0
	}
	if f.IssuesFound == 0 && len(f.Issues) > 0 {
		f.IssuesFound = len(f.Issues)
	}
	return f, nil
}

// Correct implements Oracle.
func (c *Claude) Correct(ctx context.Context, rec record.Value, findings Findings, sch *schema.Schema, doc DocumentRef) (record.Value, error) {
	prompt, err := correctPrompt(rec, findings, sch, doc)
	if err != nil {
		return record.Null(), eris.Wrap(err, "oracle: build correct prompt")
	}

	body, err := c.send(ctx, "correct", correctSystemPrompt, prompt, doc)
	if err != nil {
		return record.Null(), err
	}

	if reason, refused := refusal(body); refused {
		return record.Null(), &SemanticError{Op: "correct", Reason: reason}
	}

	corrected, err := record.ParseObject(body)
	if err != nil {
		return record.Null(), &TransportError{Op: "correct", Err: eris.Wrap(err, "decode corrected record")}
	}
	return sch.EnsureShape(corrected), nil
}

// send performs one rate-limited API round trip and returns repaired JSON
// from the response text.
func (c *Claude) send(ctx context.Context, op, system, prompt string, doc DocumentRef) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
	}

	msg := anthropic.Message{Role: "user", Content: prompt}
	if len(doc.Data) > 0 {
		msg.Images = []anthropic.ImageAttachment{{MediaType: doc.MediaType, Data: doc.Data}}
	}

	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(system),
		Messages:  []anthropic.Message{msg},
	})
	if err != nil {
		return nil, ClassifyAPIError(op, err)
	}
	resp.Usage.LogCost(c.model, op)

	body, repairs, err := jsonrepair.Decode(resp.Text())
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if len(repairs) > 0 {
		c.repairs = append(c.repairs, repairs...)
		zap.L().Warn("repaired oracle response",
			zap.String("operation", op),
			zap.String("document", doc.Name),
			zap.Strings("strategies", repairs),
		)
	}
	return body, nil
}

func validatePrompt(rec record.Value, sch *schema.Schema, doc DocumentRef) (string, error) {
	recJSON, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	schJSON, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, `Check the extracted record below against the %s.

Extraction schema:
%s

Current record:
%s`, docDescription(doc), schJSON, recJSON)
	appendDocumentText(&b, doc)
	return b.String(), nil
}

func correctPrompt(rec record.Value, findings Findings, sch *schema.Schema, doc DocumentRef) (string, error) {
	recJSON, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	schJSON, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return "", err
	}
	findingsJSON, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, `Correct the extracted record below using the %s.

Extraction schema:
%s

Known problems:
%s

Current record:
%s`, docDescription(doc), schJSON, findingsJSON, recJSON)
	appendDocumentText(&b, doc)
	return b.String(), nil
}

func docDescription(doc DocumentRef) string {
	if len(doc.Data) > 0 {
		return "attached document image"
	}
	return "recognized document text below"
}

// appendDocumentText embeds the recognized text for documents that carry
// no image payload. When an image is attached it alone anchors the model.
func appendDocumentText(b *strings.Builder, doc DocumentRef) {
	if len(doc.Data) > 0 {
		return
	}
	text := doc.PromptText()
	if text == "" {
		return
	}
	fmt.Fprintf(b, `

Document text (recognized from the scanned pages, may contain OCR errors):
%s`, text)
}

// refusal checks a corrected-record payload for an explicit can_assess
// refusal without disturbing ordinary records.
func refusal(body []byte) (string, bool) {
	var probe struct {
		CanAssess *bool  `json:"can_assess"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", false
	}
	if probe.CanAssess != nil && !*probe.CanAssess {
		return probe.Reason, true
	}
	return "", false
}

// ClassifyAPIError maps API errors onto the transport taxonomy so the
// retry policy can tell a rate limit from a hard failure.
func ClassifyAPIError(op string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &TransportError{Op: op, Err: resilience.NewRateLimitError(err)}
		case resilience.IsTransientHTTPStatus(apiErr.StatusCode):
			return &TransportError{Op: op, Err: resilience.NewTransientError(err, apiErr.StatusCode)}
		}
	}
	return &TransportError{Op: op, Err: err}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
