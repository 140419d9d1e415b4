package qr

import (
	"errors"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

const (
	DefaultSize = 256
	maxSize     = 1024
)

// Renderer turns attendance tokens into scannable PNG images. The encoded
// payload is the redeem link the member's device opens.
type Renderer struct {
	base  *url.URL
	size  int
	level qrcode.RecoveryLevel
}

// NewRenderer builds a Renderer for links under baseURL.
func NewRenderer(baseURL string) (*Renderer, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("qr: base url must be http or https")
	}
	return &Renderer{base: u, size: DefaultSize, level: qrcode.Medium}, nil
}

// Payload returns the redeem link encoded for token.
func (r *Renderer) Payload(token string) string {
	u := *r.base
	u.Path = u.Path + "/redeem"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

// PNG renders token at size pixels; a non-positive size uses DefaultSize.
func (r *Renderer) PNG(token string, size int) ([]byte, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("qr: token is required")
	}
	if size <= 0 {
		size = r.size
	}
	if size > maxSize {
		size = maxSize
	}
	return qrcode.Encode(r.Payload(token), r.level, size)
}
