// Package extract produces the initial structured record for a document.
// The record it returns is a first draft: the convergence engine owns the
// job of validating and correcting it against the document image.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docsight/docsight/internal/jsonrepair"
	"github.com/docsight/docsight/internal/oracle"
	"github.com/docsight/docsight/internal/record"
	"github.com/docsight/docsight/internal/schema"
	"github.com/docsight/docsight/pkg/anthropic"
)

const extractSystemPrompt = `You are a document data entry specialist. You read scanned documents and fill in a structured record following a schema.

Respond with a single JSON object and nothing else. Include every form field and every table from the schema. Form fields you cannot read become null. Tables become lists of objects, one object per row, keyed by the schema's column names. Keep cell values under the column they appear beneath in the document, never shifted. Do not invent values.`

// Config configures the extractor.
type Config struct {
	// Model is the vision-capable model ID.
	Model string
	// MaxTokens caps the response. Default 8192.
	MaxTokens int64
	// Limiter bounds the request rate. Nil means unlimited.
	Limiter *rate.Limiter
}

// Extractor performs one-shot schema-guided extraction.
type Extractor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
}

// New builds an extractor from an API client.
func New(client anthropic.Client, cfg Config) *Extractor {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Extractor{
		client:    client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		limiter:   cfg.Limiter,
	}
}

// Extract reads the document and returns a record shaped by the schema.
// doc.Text, when non-empty, is recognized text attached alongside the
// image to anchor hard-to-read regions, or standing in for the image when
// the document has no image payload.
func (e *Extractor) Extract(ctx context.Context, sch *schema.Schema, doc oracle.DocumentRef) (record.Value, error) {
	prompt, err := extractPrompt(sch, doc)
	if err != nil {
		return record.Null(), eris.Wrap(err, "extract: build prompt")
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return record.Null(), &oracle.TransportError{Op: "extract", Err: err}
		}
	}

	msg := anthropic.Message{Role: "user", Content: prompt}
	if len(doc.Data) > 0 {
		msg.Images = []anthropic.ImageAttachment{{MediaType: doc.MediaType, Data: doc.Data}}
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(extractSystemPrompt),
		Messages:  []anthropic.Message{msg},
	})
	if err != nil {
		return record.Null(), oracle.ClassifyAPIError("extract", err)
	}
	resp.Usage.LogCost(e.model, "extract")

	body, repairs, err := jsonrepair.Decode(resp.Text())
	if err != nil {
		return record.Null(), &oracle.TransportError{Op: "extract", Err: err}
	}
	if len(repairs) > 0 {
		zap.L().Warn("repaired extraction response",
			zap.String("document", doc.Name),
			zap.Strings("strategies", repairs),
		)
	}

	rec, err := record.ParseObject(body)
	if err != nil {
		return record.Null(), &oracle.TransportError{Op: "extract", Err: eris.Wrap(err, "decode extracted record")}
	}
	return sch.EnsureShape(rec), nil
}

func extractPrompt(sch *schema.Schema, doc oracle.DocumentRef) (string, error) {
	schJSON, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return "", err
	}

	source := "attached document image"
	if len(doc.Data) == 0 {
		source = "recognized document text below"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Extract a structured record from the %s.

Extraction schema:
%s`, source, schJSON)

	if text := doc.PromptText(); text != "" {
		fmt.Fprintf(&b, `

Recognized text (layout-preserving, may contain OCR errors):
%s`, text)
	}

	return b.String(), nil
}
