package scanning

import (
	"errors"
	"strings"
)

// ErrNoLabel is returned when the model could not find a readable label
var ErrNoLabel = errors.New("no readable barcode or QR code found")

// noLabelMarker is what the prompt asks the model to answer with when no
// code is visible
const noLabelMarker = "NONE"

// cleanLabelText extracts the decoded label text from a model response
func cleanLabelText(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Strip markdown code fences the models like to add anyway
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.Contains(text[:nl], "{") {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	// A single pair of wrapping quotes is not part of the code
	if len(text) >= 2 {
		if (text[0] == '"' && text[len(text)-1] == '"') || (text[0] == '\'' && text[len(text)-1] == '\'') {
			text = strings.TrimSpace(text[1 : len(text)-1])
		}
	}

	if text == "" || strings.EqualFold(text, noLabelMarker) {
		return "", ErrNoLabel
	}
	return text, nil
}
