package qr

import (
	"encoding/json"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultImageSize is the edge length in pixels of generated QR images.
const DefaultImageSize = 256

// EncodePNG renders p as a QR code image.
func EncodePNG(p Payload, size int) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if size <= 0 {
		size = DefaultImageSize
	}
	png, err := qrcode.Encode(string(data), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
