package attachment

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// minimal valid PNG header so content sniffing sees image/png
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func pngPayload(total int) []byte {
	data := make([]byte, total)
	copy(data, pngHeader)
	return data
}

func TestValidateAcceptsImage(t *testing.T) {
	v := NewValidator(5 * 1024 * 1024)
	enc, err := v.Validate(context.Background(), "leaf.png", pngPayload(1024))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if enc.MIME != "image/png" {
		t.Fatalf("expected image/png, got %q", enc.MIME)
	}
	if !strings.HasPrefix(enc.DataURL, "data:image/png;base64,") {
		t.Fatalf("unexpected data url prefix: %q", enc.DataURL[:40])
	}
	if enc.Size != 1024 {
		t.Fatalf("expected size 1024, got %d", enc.Size)
	}
}

func TestValidateRejectsNonImage(t *testing.T) {
	v := NewValidator(5 * 1024 * 1024)
	if _, err := v.Validate(context.Background(), "notes.txt", []byte("plain text, definitely not pixels")); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestValidateSizeBoundary(t *testing.T) {
	const limit = 5 * 1024 * 1024
	v := NewValidator(limit)

	if _, err := v.Validate(context.Background(), "exact.png", pngPayload(limit)); err != nil {
		t.Fatalf("expected exact-limit image accepted, got %v", err)
	}
	if _, err := v.Validate(context.Background(), "over.png", pngPayload(limit+1)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestValidateCancelledContext(t *testing.T) {
	v := NewValidator(5 * 1024 * 1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// encoding may still win the race; only a reported error must be EncodingFailed
	if _, err := v.Validate(ctx, "leaf.png", pngPayload(1024)); err != nil && !errors.Is(err, ErrEncodingFailed) {
		t.Fatalf("expected ErrEncodingFailed on cancellation, got %v", err)
	}
}
