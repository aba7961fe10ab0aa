package scanning

// LabelReader reads the text encoded in a photographed barcode or QR label
type LabelReader interface {
	// ReadLabel decodes the label in an image/PDF and returns the raw scan text
	ReadLabel(imageData []byte, contentType string) (string, error)
	// Close releases any resources held by the reader
	Close() error
}
