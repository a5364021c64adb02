package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Attachment failure taxonomy. Validation failures and encoding failures
// are reported distinctly.
var (
	ErrInvalidType    = errors.New("attachment is not an image")
	ErrTooLarge       = errors.New("attachment exceeds size limit")
	ErrEncodingFailed = errors.New("attachment encoding failed")
)

// Encoded is a transportable, self-describing image value suitable for both
// transport and preview.
type Encoded struct {
	Name    string
	MIME    string
	Size    int64
	DataURL string
}

// Validator checks and encodes user-selected images. Rejected inputs have
// no side effects on conversation state.
type Validator struct {
	maxBytes int64
}

func NewValidator(maxBytes int64) *Validator {
	return &Validator{maxBytes: maxBytes}
}

// Validate sniffs the content type, enforces the size limit (boundary
// inclusive) and encodes the payload. Encoding runs off the caller's
// goroutine; ctx cancellation abandons it.
func (v *Validator) Validate(ctx context.Context, name string, data []byte) (Encoded, error) {
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return Encoded{}, fmt.Errorf("%w: detected %q", ErrInvalidType, mime)
	}
	if int64(len(data)) > v.maxBytes {
		return Encoded{}, fmt.Errorf("%w: %d bytes over %d limit", ErrTooLarge, len(data), v.maxBytes)
	}

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrEncodingFailed, r)}
			}
		}()
		var b strings.Builder
		b.WriteString("data:")
		b.WriteString(mime)
		b.WriteString(";base64,")
		enc := base64.NewEncoder(base64.StdEncoding, &b)
		if _, err := enc.Write(data); err != nil {
			done <- result{err: fmt.Errorf("%w: %v", ErrEncodingFailed, err)}
			return
		}
		if err := enc.Close(); err != nil {
			done <- result{err: fmt.Errorf("%w: %v", ErrEncodingFailed, err)}
			return
		}
		done <- result{url: b.String()}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return Encoded{}, res.err
		}
		return Encoded{
			Name:    name,
			MIME:    mime,
			Size:    int64(len(data)),
			DataURL: res.url,
		}, nil
	case <-ctx.Done():
		return Encoded{}, fmt.Errorf("%w: %v", ErrEncodingFailed, ctx.Err())
	}
}
