package captcha

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateLengthBounds(t *testing.T) {
	g, err := New(5, 7)
	if err != nil {
		t.Fatal(err)
	}

	for range 64 {
		chall, err := g.Generate(time.Now())
		if err != nil {
			t.Fatal(err)
		}

		if got := len(chall.Glyphs); got < 5 || got > 7 {
			t.Errorf("answer length %d out of [5, 7]", got)
		}
	}
}

func TestGenerateAlphabet(t *testing.T) {
	g, err := New(5, 7)
	if err != nil {
		t.Fatal(err)
	}

	for range 32 {
		chall, err := g.Generate(time.Now())
		if err != nil {
			t.Fatal(err)
		}

		for _, bad := range []string{"0", "O", "o", "1", "l", "I", "i"} {
			if strings.Contains(chall.Answer(), bad) {
				t.Errorf("answer %q contains ambiguous character %q", chall.Answer(), bad)
			}
		}

		for _, g := range chall.Glyphs {
			if !strings.Contains(Alphabet, g.Char) {
				t.Errorf("glyph %q is not in the alphabet", g.Char)
			}
		}
	}
}

func TestGenerateJitterBounds(t *testing.T) {
	g, err := New(5, 7)
	if err != nil {
		t.Fatal(err)
	}

	chall, err := g.Generate(time.Now())
	if err != nil {
		t.Fatal(err)
	}

	for _, glyph := range chall.Glyphs {
		if glyph.Rotate < -18 || glyph.Rotate > 18 {
			t.Errorf("rotation %d out of bounds", glyph.Rotate)
		}
		if glyph.Size < 85 || glyph.Size > 120 {
			t.Errorf("size %d out of bounds", glyph.Size)
		}
		if glyph.OffsetY < -5 || glyph.OffsetY > 5 {
			t.Errorf("offset %d out of bounds", glyph.OffsetY)
		}
	}
}

func TestNewRejectsBadRanges(t *testing.T) {
	if _, err := New(0, 5); err == nil {
		t.Error("wanted min length 0 to be rejected")
	}
	if _, err := New(7, 5); err == nil {
		t.Error("wanted inverted range to be rejected")
	}
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		input  string
		digest string
		want   bool
	}{
		{
			name:   "round trip",
			input:  "xkcd42",
			digest: Digest("xkcd42"),
			want:   true,
		},
		{
			name:   "case insensitive",
			input:  "XKCD42",
			digest: Digest("xkcd42"),
			want:   true,
		},
		{
			name:   "surrounding whitespace",
			input:  " xkcd42\n",
			digest: Digest("xkcd42"),
			want:   true,
		},
		{
			name:   "wrong answer",
			input:  "xkcd43",
			digest: Digest("xkcd42"),
			want:   false,
		},
		{
			name:   "empty input fails closed",
			input:  "",
			digest: Digest("xkcd42"),
			want:   false,
		},
		{
			name:   "empty digest fails closed",
			input:  "xkcd42",
			digest: "",
			want:   false,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := Validate(tt.input, tt.digest); got != tt.want {
				t.Errorf("Validate(%q, %q): want %v, got %v", tt.input, tt.digest, tt.want, got)
			}
		})
	}
}

func TestDigestNeverPlaintext(t *testing.T) {
	g, err := New(5, 7)
	if err != nil {
		t.Fatal(err)
	}

	chall, err := g.Generate(time.Now())
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(chall.Digest, chall.Answer()) {
		t.Error("digest contains the plaintext answer")
	}

	if !Validate(chall.Answer(), chall.Digest) {
		t.Error("generated answer does not validate against its own digest")
	}
}
