package lib

import (
	"errors"
	"strings"
	"testing"
	"time"

	wicket "github.com/wickethq/wicket"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	policy, err := LoadPolicyOrDefault("")
	if err != nil {
		t.Fatalf("builtin policy does not load: %v", err)
	}

	if policy.Challenge.TTL.D() != wicket.DefaultChallengeTTL {
		t.Errorf("wanted challenge ttl %s, got: %s", wicket.DefaultChallengeTTL, policy.Challenge.TTL.D())
	}

	if policy.Verified.TTL.D() != wicket.DefaultVerifiedTTL {
		t.Errorf("wanted verified ttl %s, got: %s", wicket.DefaultVerifiedTTL, policy.Verified.TTL.D())
	}

	if policy.Store.Backend != "memory" {
		t.Errorf("wanted memory store backend, got: %q", policy.Store.Backend)
	}
}

func TestParsePolicyEmptyDocumentKeepsDefaults(t *testing.T) {
	policy, err := ParsePolicy(strings.NewReader(""), "(test)")
	if err != nil {
		t.Fatalf("empty document must be a valid policy: %v", err)
	}

	if policy.RateLimit.MaxRequests != wicket.DefaultMaxRequests {
		t.Errorf("wanted max_requests %d, got: %d", wicket.DefaultMaxRequests, policy.RateLimit.MaxRequests)
	}
}

func TestParsePolicyOverrides(t *testing.T) {
	doc := `
challenge:
  ttl: 30s
  min_length: 4
  max_length: 8
verified:
  ttl: 10m
rate_limit:
  max_requests: 5
  window: 1m
exempt:
  paths:
    - /healthz
  prefixes:
    - /.well-known/
  extensions:
    - .ico
`

	policy, err := ParsePolicy(strings.NewReader(doc), "(test)")
	if err != nil {
		t.Fatalf("can't parse policy: %v", err)
	}

	if policy.Challenge.TTL.D() != 30*time.Second {
		t.Errorf("wanted challenge ttl 30s, got: %s", policy.Challenge.TTL.D())
	}

	if policy.Challenge.MinLength != 4 || policy.Challenge.MaxLength != 8 {
		t.Errorf("wanted answer lengths [4, 8], got: [%d, %d]", policy.Challenge.MinLength, policy.Challenge.MaxLength)
	}

	if policy.Verified.TTL.D() != 10*time.Minute {
		t.Errorf("wanted verified ttl 10m, got: %s", policy.Verified.TTL.D())
	}

	if policy.RateLimit.MaxRequests != 5 || policy.RateLimit.Window.D() != time.Minute {
		t.Errorf("wanted rate limit 5/1m, got: %d/%s", policy.RateLimit.MaxRequests, policy.RateLimit.Window.D())
	}

	// values the document doesn't mention keep their defaults
	if policy.RateLimit.SweepEvery.D() != 5*time.Minute {
		t.Errorf("wanted sweep_every 5m, got: %s", policy.RateLimit.SweepEvery.D())
	}

	if len(policy.Exempt.Paths) != 1 || policy.Exempt.Paths[0] != "/healthz" {
		t.Errorf("wanted exempt paths [/healthz], got: %v", policy.Exempt.Paths)
	}
}

func TestParsePolicyRejectsBadValues(t *testing.T) {
	for _, tt := range []struct {
		name string
		doc  string
		err  error
	}{
		{
			name: "inverted answer lengths",
			doc:  "challenge:\n  min_length: 7\n  max_length: 5\n",
			err:  ErrBadChallengeLengths,
		},
		{
			name: "negative challenge ttl",
			doc:  "challenge:\n  ttl: -1m\n",
			err:  ErrBadTTL,
		},
		{
			name: "zero rate limit",
			doc:  "rate_limit:\n  max_requests: 0\n",
			err:  ErrBadRateLimit,
		},
		{
			name: "exempt prefix without trailing slash",
			doc:  "exempt:\n  prefixes:\n    - /healthz\n",
			err:  ErrBadExemptPrefix,
		},
		{
			name: "exempt extension without dot",
			doc:  "exempt:\n  extensions:\n    - ico\n",
			err:  ErrBadExemptExtension,
		},
		{
			name: "unknown store backend",
			doc:  "store:\n  backend: carrier-pigeon\n",
			err:  ErrUnknownStoreBackend,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy(strings.NewReader(tt.doc), "(test)")
			if !errors.Is(err, tt.err) {
				t.Errorf("wanted error %v, got: %v", tt.err, err)
			}
		})
	}
}

func TestParsePolicyRejectsGarbage(t *testing.T) {
	if _, err := ParsePolicy(strings.NewReader("{{{"), "(test)"); err == nil {
		t.Error("garbage document parsed without error")
	}
}
