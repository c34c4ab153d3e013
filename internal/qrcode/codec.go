// Package qrcode mints the opaque single-use tokens carried by registered
// participation records and renders them as scannable PNG images.  The
// codec keeps no state: the token to record mapping lives in the
// participation store, so invalidating a token means replacing it there.
package qrcode

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	goqrcode "github.com/skip2/go-qrcode"

	"github.com/iliyamo/event-rsvp/internal/model"
)

const (
	// DefaultTokenBytes gives 256 bits of entropy per token.
	DefaultTokenBytes = 32
	// DefaultGraceWindow is how long after the event start a token stays
	// redeemable.
	DefaultGraceWindow = 2 * time.Hour
	// DefaultImageSize is the PNG edge length in pixels.
	DefaultImageSize = 256

	minTokenBytes = 16
)

// ErrEmptyToken is returned when rendering is requested for a record that
// carries no token (a waitlisted record).
var ErrEmptyToken = errors.New("qrcode: empty token")

// Policy controls token expiry.  ExtendByDuration anchors expiry on the
// event end time instead of the start time when the event has one.
type Policy struct {
	GraceWindow      time.Duration
	ExtendByDuration bool
}

// ExpiresAt computes the expiry for a token issued for ev.
func (p Policy) ExpiresAt(ev model.Event) time.Time {
	grace := p.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	base := ev.StartsAt
	if p.ExtendByDuration && ev.EndsAt != nil && ev.EndsAt.After(base) {
		base = *ev.EndsAt
	}
	return base.Add(grace).UTC()
}

// Codec mints and renders tokens.
type Codec struct {
	tokenBytes int
	imageSize  int
	policy     Policy
	rand       func([]byte) (int, error)
}

// Option configures a Codec.
type Option func(*Codec)

// WithTokenBytes sets the number of random bytes per token.  Values below
// 16 are raised to 16.
func WithTokenBytes(n int) Option {
	return func(c *Codec) {
		if n < minTokenBytes {
			n = minTokenBytes
		}
		c.tokenBytes = n
	}
}

// WithImageSize sets the rendered PNG size in pixels.
func WithImageSize(px int) Option {
	return func(c *Codec) {
		if px > 0 {
			c.imageSize = px
		}
	}
}

// WithPolicy sets the expiry policy.
func WithPolicy(p Policy) Option {
	return func(c *Codec) { c.policy = p }
}

// WithRandom replaces the entropy source.  Tests use it to force failures.
func WithRandom(fn func([]byte) (int, error)) Option {
	return func(c *Codec) {
		if fn != nil {
			c.rand = fn
		}
	}
}

// New returns a Codec with defaults applied.
func New(opts ...Option) *Codec {
	c := &Codec{
		tokenBytes: DefaultTokenBytes,
		imageSize:  DefaultImageSize,
		policy:     Policy{GraceWindow: DefaultGraceWindow},
		rand:       rand.Read,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewToken returns a fresh URL-safe token.  Tokens are pure entropy and
// carry nothing derived from the event or the user.
func (c *Codec) NewToken() (string, error) {
	b := make([]byte, c.tokenBytes)
	if _, err := c.rand(b); err != nil {
		return "", fmt.Errorf("qrcode: read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Mint issues a new QR code for ev.  version is the record's previous
// token version; the minted code carries version+1 and is unused.
func (c *Codec) Mint(ev model.Event, version int) (model.QRCode, error) {
	tok, err := c.NewToken()
	if err != nil {
		return model.QRCode{}, err
	}
	return model.QRCode{
		Token:     tok,
		ExpiresAt: c.policy.ExpiresAt(ev),
		Version:   version + 1,
	}, nil
}

// Render encodes token as a PNG image.
func (c *Codec) Render(token string) ([]byte, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	png, err := goqrcode.Encode(token, goqrcode.Medium, c.imageSize)
	if err != nil {
		return nil, fmt.Errorf("qrcode: encode: %w", err)
	}
	return png, nil
}

// DataURL renders token as a data URL that can be dropped into an <img>.
func (c *Codec) DataURL(token string) (string, error) {
	png, err := c.Render(token)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
