package ocr

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText recognizes PDF text with the poppler pdftotext CLI. The
// -layout flag preserves column positions, which is what lets shifted
// table cells show up in the recognized text at all.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty,
// "pdftotext" is resolved from PATH.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText runs pdftotext -layout on the given PDF and returns stdout
// with trailing newlines removed. Leading whitespace is kept; it carries
// the layout.
func (p *PdfToText) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-enc", "UTF-8", pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", eris.Wrapf(err, "ocr: pdftotext failed: %s not installed", p.binPath)
		}
		return "", eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", pdfPath, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimRight(stdout.String(), "\n"), nil
}
