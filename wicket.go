// Package wicket holds the shared constants and tunable defaults for the
// wicket human-verification gate.
package wicket

import "time"

var (
	// CookieName is the name of the session cookie wicket issues. Mutated
	// once at startup from the cookie-prefix flag.
	CookieName = "wicket-auth"

	// BasePrefix is a root URL prefix the gate is served under, e.g. /myapp.
	// Empty by default, mutated once at startup.
	BasePrefix = ""

	// Version is the current version of wicket. Set at build time.
	Version = "devel"
)

const (
	// APIPrefix is where the gate's own routes (challenge page, submission
	// endpoint, static assets) live.
	APIPrefix = "/.wicket/"

	// ChallengePath is the route that renders a challenge.
	ChallengePath = APIPrefix + "challenge"

	// SubmitPath is the route that accepts a challenge answer.
	SubmitPath = APIPrefix + "submit"

	// StaticPath is the route the gate's own static assets are served under.
	StaticPath = APIPrefix + "static/"

	// DefaultLandingPath is where verified clients land when wicket has no
	// recorded original path to send them back to.
	DefaultLandingPath = "/"
)

const (
	// DefaultChallengeTTL is how long an issued challenge stays answerable.
	DefaultChallengeTTL = 2 * time.Minute

	// DefaultVerifiedTTL is how long a session stays verified after solving
	// a challenge.
	DefaultVerifiedTTL = time.Hour

	// DefaultMaxRequests and DefaultRateLimitWindow configure the fixed
	// window rate limiter in front of the gate.
	DefaultMaxRequests     = 50
	DefaultRateLimitWindow = 10 * time.Minute

	// Answer length bounds for generated challenges.
	DefaultAnswerMinLength = 5
	DefaultAnswerMaxLength = 7

	// SessionLifetime bounds how long a session record may live in the
	// backing store, independent of the verified TTL.
	SessionLifetime = 24 * time.Hour

	// CookieDefaultExpirationTime is the lifetime of the session cookie.
	CookieDefaultExpirationTime = 24 * time.Hour
)
