package qr

import (
	"bytes"
	"testing"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestEncodePNG(t *testing.T) {
	p := Payload{LRN: "123456789012", StudentID: "STD0001", Name: "Ana Reyes", Section: "Rizal"}
	png, err := EncodePNG(p, 0)
	if err != nil {
		t.Fatalf("EncodePNG() error = %v", err)
	}
	if !bytes.HasPrefix(png, pngMagic) {
		t.Errorf("output is not a PNG, first bytes: % x", png[:4])
	}
}

func TestEncodePNGRequiresLRN(t *testing.T) {
	if _, err := EncodePNG(Payload{Name: "No LRN"}, DefaultSize); err == nil {
		t.Fatal("EncodePNG() accepted a payload without LRN")
	}
}

func TestParsePayload(t *testing.T) {
	body := []byte(`{"lrn":"123456789012","student_id":"STD0001","name":"Ana Reyes","section":"Rizal"}`)
	p, err := ParsePayload(body)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if p.LRN != "123456789012" || p.StudentID != "STD0001" || p.Section != "Rizal" {
		t.Errorf("parsed payload = %+v", p)
	}
}

func TestParsePayloadRejectsBadInput(t *testing.T) {
	for _, body := range []string{"", "not json", `{"name":"missing lrn"}`} {
		if _, err := ParsePayload([]byte(body)); err == nil {
			t.Errorf("ParsePayload(%q) succeeded, want error", body)
		}
	}
}
