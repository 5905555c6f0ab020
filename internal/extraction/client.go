package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/config"
	"github.com/ItamarBenAri/car-ops-agent/internal/storage"
	"github.com/ItamarBenAri/car-ops-agent/internal/telemetry"
)

const maxSourceBytes = 20 * 1024 * 1024

// Client calls an OpenAI-compatible chat completions endpoint with the stored file.
type Client struct {
	api        *openai.Client
	files      storage.FileStore
	model      string
	maxImagePx int
	logger     *slog.Logger
}

// NewClient builds a client from config. EXTRACTION_BASE_URL points it at any compatible provider.
func NewClient(cfg config.Config, files storage.FileStore, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	apiCfg := openai.DefaultConfig(cfg.ExtractionAPIKey)
	if cfg.ExtractionBaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.ExtractionBaseURL, "/")
	}
	timeout := cfg.ExtractionTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}
	return &Client{
		api:        openai.NewClientWithConfig(apiCfg),
		files:      files,
		model:      cfg.ExtractionModel,
		maxImagePx: cfg.ExtractionMaxImagePx,
		logger:     logger,
	}
}

func (c *Client) ParseReceipt(ctx context.Context, filename, mimeType string) (ParsedReceipt, error) {
	var (
		text string
		err  error
	)
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		text, err = c.askWithImage(ctx, "receipt", filename, mimeType, receiptPrompt(), 1024)
	} else {
		text, err = c.ask(ctx, "receipt", []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: pdfReceiptPrompt(filename),
		}}, 1024)
	}
	if err != nil {
		return ParsedReceipt{}, err
	}
	parsed, ok := DecodeReceipt(text)
	if !ok {
		c.logger.Warn("extraction.fallback", "kind", "receipt", "filename", filename)
		telemetry.DegradedExtraction.WithLabelValues("receipt").Inc()
	}
	return parsed, nil
}

func (c *Client) AnalyzeIssue(ctx context.Context, filename, mimeType string) (AnalyzedIssue, error) {
	if err := requireImage(mimeType); err != nil {
		return AnalyzedIssue{}, err
	}
	text, err := c.askWithImage(ctx, "issue", filename, mimeType, issuePrompt, 2048)
	if err != nil {
		return AnalyzedIssue{}, err
	}
	issue, ok := DecodeIssue(text)
	if !ok {
		c.logger.Warn("extraction.fallback", "kind", "issue", "filename", filename)
		telemetry.DegradedExtraction.WithLabelValues("issue").Inc()
	}
	return issue, nil
}

func (c *Client) askWithImage(ctx context.Context, kind, filename, mimeType, prompt string, maxTokens int) (string, error) {
	data, err := storage.ReadAll(ctx, c.files, filename, maxSourceBytes)
	if err != nil {
		return "", apperr.Extraction("read "+filename, err)
	}
	data, mimeType = prepareImage(data, mimeType, c.maxImagePx)
	return c.ask(ctx, kind, []openai.ChatCompletionMessage{{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: dataURL(data, mimeType), Detail: openai.ImageURLDetailAuto},
			},
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
		},
	}}, maxTokens)
}

func (c *Client) ask(ctx context.Context, kind string, messages []openai.ChatCompletionMessage, maxTokens int) (string, error) {
	start := time.Now()
	c.logger.Debug("extraction.start", "kind", kind, "model", c.model)
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: 0,
	})
	telemetry.ExtractionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", apperr.Extraction(fmt.Sprintf("%s extraction rejected (status %d)", kind, apiErr.HTTPStatusCode), err)
		}
		return "", apperr.Extraction(kind+" extraction call", err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Extraction(kind+" extraction call", errors.New("no choices in response"))
	}
	c.logger.Debug("extraction.done", "kind", kind, "elapsed", time.Since(start))
	return resp.Choices[0].Message.Content, nil
}

func receiptPrompt() string {
	return `אתה מומחה בניתוח קבלות מוסך ישראליות. נתח את הקבלה הזו והחזר JSON בלבד (ללא טקסט נוסף).

החזר את המבנה הבא:
{
  "date": "YYYY-MM-DD or null",
  "amount": number or null,
  "vendor": "שם המוסך or null",
  "category": "אחת מהקטגוריות: ` + strings.Join(ReceiptCategories, ", ") + `",
  "odometerKm": number or null,
  "description": "תיאור קצר של העבודה שנעשתה",
  "confidence": 0.0-1.0,
  "rawText": "הטקסט שחילצת מהקבלה"
}`
}

func pdfReceiptPrompt(filename string) string {
	return fmt.Sprintf(`קובץ PDF בשם "%s" הועלה. זוהי קבלה ממוסך.
בהיעדר יכולת OCR, החזר JSON עם ערכי ברירת מחדל סבירים:
{
  "date": null,
  "amount": null,
  "vendor": null,
  "category": "תחזוקה שוטפת",
  "odometerKm": null,
  "description": "PDF uploaded - manual review required",
  "confidence": 0.1,
  "rawText": null
}`, filename)
}

const issuePrompt = `אתה מומחה לאבחון תקלות רכב. נתח את התמונה והחזר JSON בלבד.

החזר:
{
  "title": "כותרת קצרה של התקלה בעברית",
  "description": "תיאור מפורט של מה שנראה בתמונה",
  "severity": "low/medium/high/critical",
  "suspectedCauses": ["סיבה אפשרית 1", "סיבה אפשרית 2"],
  "selfChecks": ["בדיקה עצמית 1", "בדיקה עצמית 2"],
  "confidence": 0.0-1.0
}

הנחיות:
- critical: עצור מיד, אל תנסוע
- high: פנה למוסך היום
- medium: פנה למוסך השבוע
- low: בדוק בטיפול הבא`

// NewFromConfig returns the real client, or Mock when no API key is configured.
func NewFromConfig(cfg config.Config, files storage.FileStore, logger *slog.Logger) Extractor {
	if cfg.MockExtraction() {
		if logger != nil {
			logger.Warn("extraction.mock_enabled", "reason", "EXTRACTION_API_KEY unset or USE_MOCK_EXTRACTION=true")
		}
		return NewMock(logger)
	}
	return NewClient(cfg, files, logger)
}
