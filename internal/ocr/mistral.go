package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/docsight/docsight/internal/resilience"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "pixtral-large-latest"

	// Recognition of a multi-page scan routinely takes tens of seconds;
	// the timeout bounds a hung upstream, not a slow one.
	mistralRequestTimeout = 2 * time.Minute

	// Error bodies are quoted in wrapped errors; past this they are
	// noise in the logs.
	maxErrorBodyBytes = 512
)

// MistralOCR recognizes PDF text through the Mistral OCR API. Failures
// carry the transient/rate-limit classification the retry policy reads.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewMistralOCR creates a MistralOCR extractor. An empty model selects
// the default.
func NewMistralOCR(apiKey, model string) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	return &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralOCREndpoint,
		client:   &http.Client{Timeout: mistralRequestTimeout},
	}
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type mistralOCRResponse struct {
	Pages []mistralOCRPage `json:"pages"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// ExtractText sends the PDF to Mistral OCR and returns the recognized
// pages joined in page order.
func (m *MistralOCR) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return "", eris.Wrapf(err, "ocr: read PDF %s", pdfPath)
	}

	reqBody := mistralOCRRequest{
		Model: m.model,
		Document: mistralOCRDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(data),
		},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", eris.Wrap(err, "ocr: marshal mistral request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "ocr: mistral API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "ocr: read mistral response")
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyMistralStatus(resp.StatusCode, respBody)
	}

	var ocrResp mistralOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return "", eris.Wrap(err, "ocr: unmarshal mistral response")
	}
	return joinPages(ocrResp.Pages), nil
}

// classifyMistralStatus maps non-200 responses onto the retry taxonomy:
// 429 is a rate limit, 5xx is transient, anything else is permanent.
func classifyMistralStatus(status int, body []byte) error {
	err := eris.Errorf("ocr: mistral API returned %d: %s", status, truncateBody(body))
	switch {
	case status == http.StatusTooManyRequests:
		return resilience.NewRateLimitError(err)
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(err, status)
	}
	return err
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBodyBytes {
		s = s[:maxErrorBodyBytes] + "..."
	}
	return s
}

// joinPages concatenates page markdown in page-index order. The API
// returns pages ordered already; sorting keeps that a fact rather than
// an assumption.
func joinPages(pages []mistralOCRPage) string {
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })

	var sb strings.Builder
	for i, page := range pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page.Markdown)
	}
	return sb.String()
}
