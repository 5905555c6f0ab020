package extraction

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Models sometimes wrap the JSON in prose; take the outermost braces.
var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

var receiptSchema = jsonschema.MustCompileString("receipt.json", `{
	"type": "object",
	"properties": {
		"date":        {"type": ["string", "null"]},
		"amount":      {"type": ["number", "null"]},
		"vendor":      {"type": ["string", "null"]},
		"category":    {"type": ["string", "null"]},
		"odometerKm":  {"type": ["number", "null"], "minimum": 0},
		"description": {"type": ["string", "null"]},
		"confidence":  {"type": ["number", "null"], "minimum": 0, "maximum": 1},
		"rawText":     {"type": ["string", "null"]}
	}
}`)

var issueSchema = jsonschema.MustCompileString("issue.json", `{
	"type": "object",
	"properties": {
		"title":           {"type": ["string", "null"]},
		"description":     {"type": ["string", "null"]},
		"severity":        {"type": ["string", "null"]},
		"suspectedCauses": {"type": ["array", "null"], "items": {"type": "string"}},
		"selfChecks":      {"type": ["array", "null"], "items": {"type": "string"}},
		"confidence":      {"type": ["number", "null"], "minimum": 0, "maximum": 1}
	}
}`)

// wireReceipt accepts fractional odometer readings before they are rounded.
type wireReceipt struct {
	Date        *string  `json:"date"`
	Amount      *float64 `json:"amount"`
	Vendor      *string  `json:"vendor"`
	Category    *string  `json:"category"`
	OdometerKm  *float64 `json:"odometerKm"`
	Description *string  `json:"description"`
	Confidence  *float64 `json:"confidence"`
	RawText     *string  `json:"rawText"`
}

type wireIssue struct {
	Title           *string  `json:"title"`
	Description     *string  `json:"description"`
	Severity        *string  `json:"severity"`
	SuspectedCauses []string `json:"suspectedCauses"`
	SelfChecks      []string `json:"selfChecks"`
	Confidence      *float64 `json:"confidence"`
}

// validObject extracts the JSON object from text and checks it against schema.
func validObject(text string, schema *jsonschema.Schema) ([]byte, bool) {
	candidate := strings.TrimSpace(text)
	if m := jsonObject.FindString(candidate); m != "" {
		candidate = m
	}
	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, false
	}
	if err := schema.Validate(v); err != nil {
		return nil, false
	}
	return []byte(candidate), true
}

// DecodeReceipt reads model output into a ParsedReceipt. The second result is false when
// the text was unusable and the fallback receipt was returned instead.
func DecodeReceipt(text string) (ParsedReceipt, bool) {
	raw, ok := validObject(text, receiptSchema)
	if !ok {
		return FallbackReceipt(text), false
	}
	var w wireReceipt
	if err := json.Unmarshal(raw, &w); err != nil {
		return FallbackReceipt(text), false
	}
	out := ParsedReceipt{
		Date:        clean(w.Date),
		Amount:      w.Amount,
		Vendor:      clean(w.Vendor),
		Category:    clean(w.Category),
		Description: clean(w.Description),
		RawText:     w.RawText,
	}
	if w.OdometerKm != nil {
		km := int(math.Round(*w.OdometerKm))
		out.OdometerKm = &km
	}
	if w.Confidence != nil {
		out.Confidence = *w.Confidence
	}
	return out, true
}

// FallbackReceipt is the degraded result kept when the output cannot be parsed.
func FallbackReceipt(text string) ParsedReceipt {
	category := FallbackCategory
	out := ParsedReceipt{Category: &category, Confidence: FallbackConfidence}
	if text != "" {
		out.RawText = &text
	}
	return out
}

// DecodeIssue reads model output into an AnalyzedIssue, falling back like DecodeReceipt.
func DecodeIssue(text string) (AnalyzedIssue, bool) {
	raw, ok := validObject(text, issueSchema)
	if !ok {
		return AnalyzedIssue{Confidence: FallbackConfidence}, false
	}
	var w wireIssue
	if err := json.Unmarshal(raw, &w); err != nil {
		return AnalyzedIssue{Confidence: FallbackConfidence}, false
	}
	out := AnalyzedIssue{
		SuspectedCauses: w.SuspectedCauses,
		SelfChecks:      w.SelfChecks,
	}
	if v := clean(w.Title); v != nil {
		out.Title = *v
	}
	if v := clean(w.Description); v != nil {
		out.Description = *v
	}
	if v := clean(w.Severity); v != nil {
		out.Severity = *v
	}
	if w.Confidence != nil {
		out.Confidence = *w.Confidence
	}
	return out, true
}

func clean(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}
