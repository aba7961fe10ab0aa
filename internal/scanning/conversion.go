package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// labelReadPrompt is the shared prompt used by all LLM providers for reading labels
const labelReadPrompt = `You are looking at a photo or scan of a repair shop label, ticket or sticker.
Find the barcode or QR code in the image and decode it.

Return ONLY the exact text encoded in the code, character for character:
- Work order tags look like "WO-1042"
- Customer cards look like "CUST-00017"
- QR tickets may contain a JSON object such as {"wo":"WO-1042","cf":"Mike","cl":"McClure"}
- Some labels contain pipe separated fields such as WO-1042|Mike|McClure|Laptop|Dell

Rules:
- Do not add quotes, explanations or markdown
- Do not reformat, reorder or translate the decoded text
- If the code is unreadable but printed human-readable text under it is legible, return that text
- If there is no barcode or QR code in the image, return exactly NONE`

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Label sheets put the code on the first page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	return encodePNG(img)
}

// imageToPNG decodes JPEG, GIF, PNG or HEIC data and re-encodes it as PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// Phone cameras default to HEIC which the standard library can't decode
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return encodePNG(img)
	}

	img, _, err = image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brand for HEIC/HEIF signatures
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeLabelImage converts a label upload to PNG, the one format every
// provider accepts. Unknown content types are treated as JPEG.
func normalizeLabelImage(imageData []byte, contentType string) ([]byte, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("empty label image")
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	switch {
	case mimeType == "application/pdf":
		data, err := pdfToImage(imageData)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
		return data, nil
	case mimeType == "image/png" && !isHEICFormat(imageData):
		return imageData, nil
	default:
		data, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return nil, fmt.Errorf("converting image to PNG: %w", err)
		}
		return data, nil
	}
}
