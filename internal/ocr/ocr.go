// Package ocr produces layout-preserving recognized text for scanned
// documents. The text is advisory: it rides alongside the document image
// in extraction prompts to anchor hard-to-read regions.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/docsight/docsight/internal/config"
)

// Extractor extracts text content from PDF files.
type Extractor interface {
	ExtractText(ctx context.Context, pdfPath string) (string, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.OCRConfig, mistral config.MistralConfig) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if mistral.Key == "" {
			return nil, eris.New("ocr: mistral provider requires mistral.key")
		}
		return NewMistralOCR(mistral.Key, mistral.Model), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
