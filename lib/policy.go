package lib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	wicket "github.com/wickethq/wicket"
	"github.com/wickethq/wicket/data"
	"github.com/wickethq/wicket/lib/store"
)

var (
	ErrBadChallengeLengths = errors.New("config: challenge length range is invalid")
	ErrBadTTL              = errors.New("config: ttl must be positive")
	ErrBadRateLimit        = errors.New("config: rate limit must allow at least one request")
	ErrBadExemptPrefix     = errors.New("config: exempt prefixes must start and end with a slash")
	ErrBadExemptExtension  = errors.New("config: exempt extensions must start with a dot")
	ErrUnknownStoreBackend = errors.New("config: unknown store backend")
)

// Duration wraps time.Duration so policy files can say "2m" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: can't parse duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// Policy is the gate's tunable behavior, loaded from a YAML file. Every
// value has a default; an empty document is a valid policy.
type Policy struct {
	Challenge ChallengeConfig `yaml:"challenge"`
	Verified  VerifiedConfig  `yaml:"verified"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Exempt    ExemptConfig    `yaml:"exempt"`
	Store     StoreConfig     `yaml:"store"`
}

type ChallengeConfig struct {
	TTL       Duration `yaml:"ttl"`
	MinLength int      `yaml:"min_length"`
	MaxLength int      `yaml:"max_length"`
}

type VerifiedConfig struct {
	TTL Duration `yaml:"ttl"`
}

type RateLimitConfig struct {
	MaxRequests int      `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
	SweepEvery  Duration `yaml:"sweep_every"`
}

// ExemptConfig is the statically enumerable allowlist of paths that bypass
// the gate. Matching works on the request path only, so query-string
// variants of protected paths can't sneak through.
type ExemptConfig struct {
	// Paths are matched exactly.
	Paths []string `yaml:"paths"`
	// Prefixes are directory prefixes, eg /healthz/ or /.well-known/.
	Prefixes []string `yaml:"prefixes"`
	// Extensions exempt well-known static resources, eg .css or .ico.
	Extensions []string `yaml:"extensions"`
}

type StoreConfig struct {
	Backend    string         `yaml:"backend"`
	Parameters map[string]any `yaml:"parameters"`
}

func (p *Policy) Valid() error {
	var errs []error

	if p.Challenge.MinLength < 1 || p.Challenge.MaxLength < p.Challenge.MinLength {
		errs = append(errs, fmt.Errorf("%w: [%d, %d]", ErrBadChallengeLengths, p.Challenge.MinLength, p.Challenge.MaxLength))
	}

	if p.Challenge.TTL.D() <= 0 {
		errs = append(errs, fmt.Errorf("%w: challenge.ttl = %s", ErrBadTTL, p.Challenge.TTL.D()))
	}

	if p.Verified.TTL.D() <= 0 {
		errs = append(errs, fmt.Errorf("%w: verified.ttl = %s", ErrBadTTL, p.Verified.TTL.D()))
	}

	if p.RateLimit.MaxRequests < 1 {
		errs = append(errs, fmt.Errorf("%w: max_requests = %d", ErrBadRateLimit, p.RateLimit.MaxRequests))
	}

	if p.RateLimit.Window.D() <= 0 {
		errs = append(errs, fmt.Errorf("%w: rate_limit.window = %s", ErrBadTTL, p.RateLimit.Window.D()))
	}

	for _, prefix := range p.Exempt.Prefixes {
		if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") {
			errs = append(errs, fmt.Errorf("%w: %q", ErrBadExemptPrefix, prefix))
		}
	}

	for _, ext := range p.Exempt.Extensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("%w: %q", ErrBadExemptExtension, ext))
		}
	}

	if _, ok := store.Get(p.Store.Backend); !ok {
		errs = append(errs, fmt.Errorf("%w: %q (have: %s)", ErrUnknownStoreBackend, p.Store.Backend, strings.Join(store.Methods(), ", ")))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// BuildStore constructs the configured store backend. Backend parameters
// come from YAML but the store factories speak JSON, so they get re-encoded
// on the way through.
func (p *Policy) BuildStore(ctx context.Context) (store.Interface, error) {
	factory, ok := store.Get(p.Store.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStoreBackend, p.Store.Backend)
	}

	params, err := json.Marshal(p.Store.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	return factory.Build(ctx, json.RawMessage(params))
}

func defaultPolicy() Policy {
	return Policy{
		Challenge: ChallengeConfig{
			TTL:       Duration(wicket.DefaultChallengeTTL),
			MinLength: wicket.DefaultAnswerMinLength,
			MaxLength: wicket.DefaultAnswerMaxLength,
		},
		Verified: VerifiedConfig{
			TTL: Duration(wicket.DefaultVerifiedTTL),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: wicket.DefaultMaxRequests,
			Window:      Duration(wicket.DefaultRateLimitWindow),
			SweepEvery:  Duration(5 * time.Minute),
		},
		Store: StoreConfig{
			Backend: "memory",
		},
	}
}

// ParsePolicy reads a policy document and validates it. Values absent from
// the document keep their defaults, so an empty document is a valid policy.
func ParsePolicy(fin io.Reader, fname string) (*Policy, error) {
	result := defaultPolicy()

	if err := yaml.NewDecoder(fin).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
	}

	if err := result.Valid(); err != nil {
		return nil, fmt.Errorf("can't validate policy file %s: %w", fname, err)
	}

	return &result, nil
}

// LoadPolicyOrDefault loads the policy from fname, falling back to the
// embedded default document when fname is empty.
func LoadPolicyOrDefault(fname string) (*Policy, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("can't open policy file %s: %w", fname, err)
		}
	} else {
		fname = "(data)/gatePolicy.yaml"
		fin, err = data.GatePolicy.Open("gatePolicy.yaml")
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't open builtin policy file %s: %w", fname, err)
		}
	}

	defer func(fin io.ReadCloser) {
		if err := fin.Close(); err != nil {
			slog.Error("failed to close policy file", "file", fname, "err", err)
		}
	}(fin)

	return ParsePolicy(fin, fname)
}
