// Package qr renders and parses the QR badge payload students carry.
package qr

import (
	"encoding/json"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// Payload is the JSON document encoded into a student's badge.
type Payload struct {
	LRN       string `json:"lrn"`
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Section   string `json:"section,omitempty"`
}

// DefaultSize is the rendered PNG edge length in pixels.
const DefaultSize = 256

// EncodePNG renders the payload as a QR PNG. Low error correction keeps
// the code coarse enough for cheap webcam scanners.
func EncodePNG(p Payload, size int) ([]byte, error) {
	if p.LRN == "" {
		return nil, fmt.Errorf("lrn required")
	}
	if size <= 0 {
		size = DefaultSize
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(string(data), qrcode.Low, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// ParsePayload decodes a scanned badge body.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("invalid QR payload: %w", err)
	}
	if p.LRN == "" {
		return Payload{}, fmt.Errorf("invalid QR payload: lrn missing")
	}
	return p, nil
}
