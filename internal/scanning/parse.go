package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// extractionPrompt is the shared prompt used by all engines
const extractionPrompt = `You are reading a photographed purchase receipt. Transcribe it and extract the purchase fields WITHOUT reformatting them.

Return ONLY valid JSON in this exact format:
{
  "raw_text": "full receipt text, one printed line per line",
  "merchant": "store or business name exactly as printed",
  "total": "final total exactly as printed, including separators and currency sign",
  "currency": "ISO 4217 code or symbol if printed, otherwise empty",
  "date": "purchase date exactly as printed",
  "category": "one word shop category such as groceries, fuel, pharmacy, restaurants, electronics",
  "line_items": [{"description": "item text", "amount": "item price as printed"}],
  "confidence": 0.0
}

Important:
- confidence is your certainty from 0 to 1 that merchant, total and date are read correctly
- If you cannot find a field, use an empty string for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// flexString accepts a JSON string, number or null
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		*f = flexString(data)
	}
	return nil
}

type modelLineItem struct {
	Description flexString `json:"description"`
	Amount      flexString `json:"amount"`
}

type modelResponse struct {
	RawText    flexString      `json:"raw_text"`
	Merchant   flexString      `json:"merchant"`
	Total      flexString      `json:"total"`
	Currency   flexString      `json:"currency"`
	Date       flexString      `json:"date"`
	Category   flexString      `json:"category"`
	LineItems  []modelLineItem `json:"line_items"`
	Confidence *float64        `json:"confidence"`
}

// parseExtraction parses the JSON answer of an engine. The returned confidence is negative
// when the engine did not report one.
func parseExtraction(text string) (*ExtractionResult, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var resp modelResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	result := &ExtractionResult{
		RawText: strings.TrimSpace(string(resp.RawText)),
		Fields: CandidateFields{
			Merchant: strings.TrimSpace(string(resp.Merchant)),
			Total:    strings.TrimSpace(string(resp.Total)),
			Currency: strings.TrimSpace(string(resp.Currency)),
			Date:     strings.TrimSpace(string(resp.Date)),
			Category: strings.ToLower(strings.TrimSpace(string(resp.Category))),
		},
		EngineConfidence: -1,
	}
	for _, item := range resp.LineItems {
		desc := strings.TrimSpace(string(item.Description))
		amount := strings.TrimSpace(string(item.Amount))
		if desc == "" && amount == "" {
			continue
		}
		result.Fields.LineItems = append(result.Fields.LineItems, CandidateLineItem{Description: desc, Amount: amount})
	}
	if resp.Confidence != nil {
		result.EngineConfidence = clamp01(*resp.Confidence)
	}
	return result, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
