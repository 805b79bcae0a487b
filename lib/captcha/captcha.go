// Package captcha generates and validates the short text challenges that
// wicket gates access behind.
package captcha

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wickethq/wicket/internal"
)

// Alphabet is the set of characters answers are drawn from. Visually
// ambiguous characters (0/o, 1/l/i) are excluded so that users don't fail
// challenges over font rendering.
const Alphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// Glyph is one character of the display text plus a suggested visual jitter.
// The renderer decides what to do with the jitter values, the generator only
// suggests them.
type Glyph struct {
	Char    string `json:"char"`
	Rotate  int    `json:"rotate"`  // degrees, -18..18
	Size    int    `json:"size"`    // percent of base font size, 85..120
	OffsetY int    `json:"offsetY"` // pixels, -5..5
}

// Challenge is the result of one generation call. Glyphs carry the answer in
// cleartext and exist only for the duration of rendering; the session stores
// Digest and IssuedAt and nothing else.
type Challenge struct {
	ID       string
	Glyphs   []Glyph
	Digest   string
	IssuedAt time.Time
}

// Answer reassembles the plaintext answer from the glyphs. Callers must not
// persist or log the result.
func (c *Challenge) Answer() string {
	var sb strings.Builder
	for _, g := range c.Glyphs {
		sb.WriteString(g.Char)
	}
	return sb.String()
}

// Generator produces challenges with answer lengths drawn uniformly from
// [MinLength, MaxLength]. The zero value is not usable, use New.
type Generator struct {
	minLength int
	maxLength int
}

func New(minLength, maxLength int) (*Generator, error) {
	if minLength < 1 || maxLength < minLength {
		return nil, fmt.Errorf("captcha: invalid length range [%d, %d]", minLength, maxLength)
	}

	return &Generator{
		minLength: minLength,
		maxLength: maxLength,
	}, nil
}

// Generate draws a fresh challenge from a cryptographically secure random
// source. A predictable generator would void the gate entirely, so this
// never falls back to math/rand.
func (g *Generator) Generate(now time.Time) (*Challenge, error) {
	span := g.maxLength - g.minLength + 1
	n, err := randInt(span)
	if err != nil {
		return nil, fmt.Errorf("captcha: can't draw answer length: %w", err)
	}
	length := g.minLength + n

	glyphs := make([]Glyph, length)
	for i := range glyphs {
		ci, err := randInt(len(Alphabet))
		if err != nil {
			return nil, fmt.Errorf("captcha: can't draw character: %w", err)
		}

		rotate, err := randInt(37)
		if err != nil {
			return nil, fmt.Errorf("captcha: can't draw jitter: %w", err)
		}

		size, err := randInt(36)
		if err != nil {
			return nil, fmt.Errorf("captcha: can't draw jitter: %w", err)
		}

		offsetY, err := randInt(11)
		if err != nil {
			return nil, fmt.Errorf("captcha: can't draw jitter: %w", err)
		}

		glyphs[i] = Glyph{
			Char:    string(Alphabet[ci]),
			Rotate:  rotate - 18,
			Size:    85 + size,
			OffsetY: offsetY - 5,
		}
	}

	result := &Challenge{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Glyphs:   glyphs,
		IssuedAt: now,
	}
	result.Digest = Digest(result.Answer())

	return result, nil
}

// Digest computes the one-way digest stored in place of the plaintext
// answer. Answers are case-insensitive, hence the lowercasing.
func Digest(answer string) string {
	return internal.SHA256sum(strings.ToLower(answer))
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
