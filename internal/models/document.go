package models

import (
	"encoding/json"
	"strings"
	"time"
)

type DocumentType string

const (
	DocumentReceipt    DocumentType = "receipt"
	DocumentIssuePhoto DocumentType = "issue_photo"
	DocumentManual     DocumentType = "manual"
	DocumentOther      DocumentType = "other"
)

// ParseDocumentType maps a form value onto a known type, defaulting to other.
func ParseDocumentType(v string) DocumentType {
	switch DocumentType(strings.ToLower(strings.TrimSpace(v))) {
	case DocumentReceipt:
		return DocumentReceipt
	case DocumentIssuePhoto:
		return DocumentIssuePhoto
	case DocumentManual:
		return DocumentManual
	default:
		return DocumentOther
	}
}

// JobType returns the processing job an upload of this type schedules.
func (t DocumentType) JobType() JobType {
	if t == DocumentIssuePhoto {
		return JobAnalyzeIssue
	}
	return JobParseReceipt
}

type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentProcessed  DocumentStatus = "processed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is an uploaded artifact and the last successful extraction from it.
type Document struct {
	ID            string          `json:"id"`
	CarID         string          `json:"car_id"`
	Filename      string          `json:"filename"`
	MimeType      string          `json:"mime_type"`
	FileSize      int64           `json:"file_size"`
	Type          DocumentType    `json:"type"`
	Status        DocumentStatus  `json:"status"`
	Checksum      string          `json:"checksum,omitempty"`
	ExtractedData json.RawMessage `json:"extracted_data,omitempty"`
	UploadedAt    time.Time       `json:"uploaded_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsImage reports whether the stored mime type is an image type.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}
