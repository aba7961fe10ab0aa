package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the LabelReader interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini LabelReader instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// Decoding is transcription, not creative writing
	model.SetTemperature(0)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// ReadLabel decodes the barcode or QR code in a label image
func (g *Gemini) ReadLabel(imageData []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pngData, err := normalizeLabelImage(imageData, contentType)
	if err != nil {
		return "", err
	}

	// genai.ImageData wants the format suffix, not the MIME type
	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData("png", pngData),
		genai.Text(labelReadPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	raw, err := cleanLabelText(text.String())
	if err != nil {
		return "", fmt.Errorf("reading label: %w", err)
	}
	return raw, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
