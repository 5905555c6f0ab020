package extraction

import (
	"context"
	"log/slog"
	"time"
)

// Mock returns canned results so the pipeline runs without an API key.
type Mock struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewMock(logger *slog.Logger) *Mock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mock{logger: logger, now: time.Now}
}

func (m *Mock) ParseReceipt(_ context.Context, filename, _ string) (ParsedReceipt, error) {
	m.logger.Info("extraction.mock", "kind", "receipt", "filename", filename)
	date := m.now().Format("2006-01-02")
	amount := 450.0
	vendor := "מוסך כהן ובניו"
	category := "שמן ומסננים"
	odometer := 85000
	desc := "החלפת שמן מנוע + מסנן שמן"
	raw := "[MOCK DATA - set EXTRACTION_API_KEY for real parsing]"
	return ParsedReceipt{
		Date:        &date,
		Amount:      &amount,
		Vendor:      &vendor,
		Category:    &category,
		OdometerKm:  &odometer,
		Description: &desc,
		Confidence:  0.95,
		RawText:     &raw,
	}, nil
}

func (m *Mock) AnalyzeIssue(_ context.Context, filename, mimeType string) (AnalyzedIssue, error) {
	if err := requireImage(mimeType); err != nil {
		return AnalyzedIssue{}, err
	}
	m.logger.Info("extraction.mock", "kind", "issue", "filename", filename)
	return AnalyzedIssue{
		Title:       "נורת בדוק מנוע דלוקה",
		Description: "נורת Check Engine דולקת בלוח המחוונים. ייתכן שיש תקלה בחיישן החמצן או בשסתום EGR.",
		Severity:    "medium",
		SuspectedCauses: []string{
			"חיישן חמצן (O2 Sensor) פגום",
			"קפסולת הצתה בעייתית",
			"שסתום EGR תקוע",
		},
		SelfChecks: []string{
			"בדוק שפקק מיכל הדלק סגור היטב",
			"בדוק שאין ריח חריג מהמנוע",
			"שים לב אם יש שינוי בצריכת הדלק",
		},
		Confidence: 0.75,
	}, nil
}
