package captcha

import (
	"crypto/subtle"
	"strings"
)

// Validate checks a submitted answer against a stored digest. It fails
// closed: an empty input or an empty digest never validates. The comparison
// is constant time so the digest check leaks nothing beyond pass/fail.
func Validate(userInput, secretDigest string) bool {
	if userInput == "" || secretDigest == "" {
		return false
	}

	got := Digest(strings.TrimSpace(userInput))

	return subtle.ConstantTimeCompare([]byte(got), []byte(secretDigest)) == 1
}
