package session

import (
	"encoding/base64"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// QRArtifact is a cached pairing code with its issue time. The "expired"
// status surfaced by Status is derived from IssuedAt, never stored.
type QRArtifact struct {
	Code     string    `json:"-"`
	ImageURI string    `json:"image"`
	IssuedAt time.Time `json:"issued_at"`
}

// newQRArtifact renders the pairing code as a PNG data URI.
func newQRArtifact(code string, now time.Time) (*QRArtifact, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return &QRArtifact{
		Code:     code,
		ImageURI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		IssuedAt: now,
	}, nil
}

// Expired reports whether the artifact is older than the validity window.
func (q *QRArtifact) Expired(validity time.Duration, now time.Time) bool {
	if q == nil {
		return false
	}
	return now.Sub(q.IssuedAt) > validity
}
