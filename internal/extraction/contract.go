package extraction

import (
	"context"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
)

// ReceiptCategories are the labels the model is asked to choose from.
var ReceiptCategories = []string{
	"שמן ומסננים",
	"צמיגים",
	"בלמים",
	"תחזוקה שוטפת",
	"תיקונים",
	"אבחון",
	"מבחן רכב",
	"ביטוח",
	"דלק",
	"חלקים",
	"אחר",
}

// FallbackCategory is assigned when the model output cannot be read.
const FallbackCategory = "אחר"

// FallbackConfidence marks a degraded extraction.
const FallbackConfidence = 0.1

// ParsedReceipt is the structured content of a receipt. Every field but Confidence may be absent.
type ParsedReceipt struct {
	Date        *string  `json:"date"`
	Amount      *float64 `json:"amount"`
	Vendor      *string  `json:"vendor"`
	Category    *string  `json:"category"`
	OdometerKm  *int     `json:"odometerKm"`
	Description *string  `json:"description"`
	Confidence  float64  `json:"confidence"`
	RawText     *string  `json:"rawText"`
}

// AnalyzedIssue is the structured result of analysing a photo of a fault.
type AnalyzedIssue struct {
	Title           string   `json:"title,omitempty"`
	Description     string   `json:"description,omitempty"`
	Severity        string   `json:"severity,omitempty"`
	SuspectedCauses []string `json:"suspectedCauses,omitempty"`
	SelfChecks      []string `json:"selfChecks,omitempty"`
	Confidence      float64  `json:"confidence"`
}

// Extractor turns a stored file into structured maintenance data.
type Extractor interface {
	ParseReceipt(ctx context.Context, filename, mimeType string) (ParsedReceipt, error)
	AnalyzeIssue(ctx context.Context, filename, mimeType string) (AnalyzedIssue, error)
}

func requireImage(mimeType string) error {
	if !models.IsImage(mimeType) {
		return apperr.Validation("issue analysis requires an image file, got %q", mimeType)
	}
	return nil
}
