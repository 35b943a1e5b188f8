package scanning

import (
	"context"
	"errors"
)

var (
	// ErrInputTooLarge is returned before any engine call when an image exceeds the size limit
	ErrInputTooLarge = errors.New("input too large")
	// ErrExtractionUnavailable is a transient failure; the same image may succeed later
	ErrExtractionUnavailable = errors.New("extraction unavailable")
	// ErrExtractionFailed is a permanent failure for this image
	ErrExtractionFailed = errors.New("extraction failed")
)

// Engine is an OCR/NLP capability that reads a PNG receipt image and answers with the
// model's raw text response
type Engine interface {
	// Name identifies the engine in logs
	Name() string
	// Recognize runs the model on a PNG image
	Recognize(ctx context.Context, png []byte) (string, error)
	// Close closes the engine and releases resources
	Close() error
}

// CandidateLineItem is an uninterpreted line item span
type CandidateLineItem struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// CandidateFields are the spans an engine found, still as printed on the receipt
type CandidateFields struct {
	Merchant  string              `json:"merchant"`
	Total     string              `json:"total"`
	Currency  string              `json:"currency"`
	Date      string              `json:"date"`
	Category  string              `json:"category"`
	LineItems []CandidateLineItem `json:"line_items"`
}

// ExtractionResult contains the text and candidate fields extracted from a receipt
type ExtractionResult struct {
	RawText          string          `json:"raw_text"`
	Fields           CandidateFields `json:"fields"`
	EngineConfidence float64         `json:"engine_confidence"`
}
