// Package lib implements the wicket access gate: a rate limiter, a
// challenge flow, and a per-session verification state machine in front of
// an upstream handler.
package lib

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	wicket "github.com/wickethq/wicket"
	"github.com/wickethq/wicket/internal"
	"github.com/wickethq/wicket/lib/captcha"
	"github.com/wickethq/wicket/lib/ratelimit"
	"github.com/wickethq/wicket/lib/session"
	"github.com/wickethq/wicket/lib/store"
	"github.com/wickethq/wicket/web"
)

var (
	challengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wicket_challenges_issued_total",
		Help: "The total number of challenges issued",
	})

	challengesSolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wicket_challenges_solved_total",
		Help: "The total number of challenges solved",
	})

	failedValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wicket_failed_validations_total",
		Help: "The total number of failed challenge validations",
	}, []string{"reason"})

	requestsProxied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wicket_proxied_requests_total",
		Help: "Number of requests proxied through wicket to upstream targets",
	}, []string{"host"})
)

// ErrSessionUnavailable means the session store could not serve a request.
// It is fatal to the request (a server error), never recovered by treating
// the client as unverified.
var ErrSessionUnavailable = errors.New("lib: session store unavailable")

// Session error codes surfaced to the next challenge render.
const (
	captchaErrIncorrect = "incorrect"
	captchaErrExpired   = "expired"
)

type Options struct {
	Next                http.Handler
	Policy              *Policy
	Store               store.Interface
	CookieDomain        string
	CookieDynamicDomain bool
	CookieExpiration    time.Duration
	CookiePrefix        string
	CookiePartitioned   bool
	CookieSecure        bool
	WebmasterEmail      string
	ED25519PrivateKey   ed25519.PrivateKey
	HS512Secret         []byte

	// Now overrides the clock, letting tests cross TTL boundaries without
	// real delays.
	Now func() time.Time
}

type Server struct {
	next        http.Handler
	mux         *http.ServeMux
	policy      *Policy
	sessions    *session.Manager
	limiter     *ratelimit.Limiter
	generator   *captcha.Generator
	cookieName  string
	ed25519Priv ed25519.PrivateKey
	ed25519Pub  ed25519.PublicKey
	hs512Secret []byte
	now         func() time.Time
	opts        Options
}

func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Policy == nil {
		pol, err := LoadPolicyOrDefault("")
		if err != nil {
			return nil, err
		}
		opts.Policy = pol
	}

	if opts.Store == nil {
		st, err := opts.Policy.BuildStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("lib: can't build store: %w", err)
		}
		opts.Store = st
	}

	if opts.ED25519PrivateKey == nil && len(opts.HS512Secret) == 0 {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("lib: can't generate private key: %w", err)
		}
		opts.ED25519PrivateKey = priv
	}

	if opts.CookieExpiration == 0 {
		opts.CookieExpiration = wicket.CookieDefaultExpirationTime
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	cookieName := wicket.CookieName
	if opts.CookiePrefix != "" {
		cookieName = opts.CookiePrefix + "-auth"
	}

	generator, err := captcha.New(opts.Policy.Challenge.MinLength, opts.Policy.Challenge.MaxLength)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(opts.Policy.RateLimit.MaxRequests, opts.Policy.RateLimit.Window.D()).WithClock(opts.Now)
	limiter.Start(ctx, opts.Policy.RateLimit.SweepEvery.D())

	result := &Server{
		next:        opts.Next,
		policy:      opts.Policy,
		sessions:    session.NewManager(opts.Store, wicket.SessionLifetime),
		limiter:     limiter,
		generator:   generator,
		cookieName:  cookieName,
		hs512Secret: opts.HS512Secret,
		now:         opts.Now,
		opts:        opts,
	}

	if opts.ED25519PrivateKey != nil {
		result.ed25519Priv = opts.ED25519PrivateKey
		result.ed25519Pub = opts.ED25519PrivateKey.Public().(ed25519.PublicKey)
	}

	mux := http.NewServeMux()

	registerWithPrefix := func(pattern string, handler http.Handler, method string) {
		if method != "" {
			method = method + " " // methods must end with a space to register with them
		}

		basePrefix := strings.TrimSuffix(wicket.BasePrefix, "/")
		mux.Handle(method+basePrefix+pattern, handler)
	}

	stripPrefix := strings.TrimSuffix(wicket.BasePrefix, "/") + wicket.StaticPath
	registerWithPrefix(wicket.StaticPath, internal.UnchangingCache(http.StripPrefix(stripPrefix, http.FileServerFS(web.Static))), "")

	registerWithPrefix(wicket.ChallengePath, http.HandlerFunc(result.RenderChallenge), "GET")
	registerWithPrefix(wicket.SubmitPath, http.HandlerFunc(result.PassChallenge), "POST")
	registerWithPrefix("/", http.HandlerFunc(result.Gate), "")

	result.mux = mux

	return result, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// clientID names the client for rate limiting purposes. It prefers the
// X-Real-Ip header set by the middleware chain and falls back to the bare
// RemoteAddr.
func (s *Server) clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}

	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return host
}

// checkRateLimit applies the fixed-window limiter and writes the 429
// response on rejection. Returns false when the request must not proceed.
func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request) bool {
	decision := s.limiter.Check(s.clientID(r))
	if decision.Allowed {
		return true
	}

	lg := internal.GetRequestLogger(r)
	lg.Info("rate limit exceeded", "retryAfter", decision.RetryAfter)

	w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+1)))
	s.respondWithStatus(w, r, "Rate limit exceeded. Please wait before trying again.", http.StatusTooManyRequests)
	return false
}

// loadSession resolves the session named by the request's cookie, minting a
// fresh session (and cookie) when there isn't a usable one. The bool result
// reports whether the session already existed in the store.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (string, session.Data, bool, error) {
	mint := func() (string, session.Data, bool, error) {
		sid := uuid.Must(uuid.NewV7()).String()

		token, err := s.signJWT(jwt.MapClaims{"sid": sid})
		if err != nil {
			return "", session.Data{}, false, fmt.Errorf("lib: can't sign session token: %w", err)
		}

		s.SetCookie(w, CookieOpts{Value: token, Host: r.Host})
		return sid, session.Data{}, false, nil
	}

	lg := internal.GetRequestLogger(r)

	ckie, err := r.Cookie(s.cookieName)
	if err != nil {
		return mint()
	}

	token, err := jwt.ParseWithClaims(ckie.Value, jwt.MapClaims{}, s.jwtKeyfunc, jwt.WithExpirationRequired(), jwt.WithStrictDecoding(), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		lg.Debug("invalid session token", "err", err)
		s.ClearCookie(w, CookieOpts{Host: r.Host})
		return mint()
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return mint()
	}

	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return mint()
	}

	data, err := s.sessions.Get(r.Context(), sid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return sid, session.Data{}, false, nil
	case err != nil:
		return "", session.Data{}, false, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}

	return sid, data, true, nil
}

// reloadSession re-reads a session record under the session lock, so a
// read-modify-write never writes back a snapshot taken before the lock was
// held. A record the store never saw keeps the caller's snapshot; a store
// failure is fatal to the request.
func (s *Server) reloadSession(ctx context.Context, sid string, data session.Data) (session.Data, error) {
	reloaded, err := s.sessions.Get(ctx, sid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return data, nil
	case err != nil:
		return session.Data{}, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}

	return reloaded, nil
}

// Gate is the decision point for every request that is not one of the
// gate's own routes: exempt paths pass through, fresh verified sessions
// pass through, everything else is sent to the challenge page.
func (s *Server) Gate(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	if s.pathIsExempt(r.URL.Path) {
		s.ServeHTTPNext(w, r)
		return
	}

	if !s.checkRateLimit(w, r) {
		return
	}

	sid, data, _, err := s.loadSession(w, r)
	if err != nil {
		lg.Error("can't load session", "err", err)
		s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
		return
	}

	now := s.now()

	if data.VerifiedFresh(now, s.policy.Verified.TTL.D()) {
		r.Header.Set("X-Wicket-Status", "PASS")
		s.ServeHTTPNext(w, r)
		return
	}

	unlock := s.sessions.Lock(sid)
	defer unlock()

	data, err = s.reloadSession(r.Context(), sid, data)
	if err != nil {
		lg.Error("can't load session", "err", err)
		s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
		return
	}

	// A submission may have verified the session between the read above and
	// taking the lock.
	if data.VerifiedFresh(now, s.policy.Verified.TTL.D()) {
		r.Header.Set("X-Wicket-Status", "PASS")
		s.ServeHTTPNext(w, r)
		return
	}

	if data.CaptchaPassed {
		// The verified marker aged out, invalidate it lazily and fall
		// through to the challenge flow for this same request.
		lg.Debug("verified marker expired", "passedAt", data.CaptchaPassedAt)
		data.ClearVerified()
	}

	data.OriginalPath = originPath(r)

	if err := s.sessions.Put(r.Context(), sid, data); err != nil {
		lg.Error("can't save session", "err", err)
		s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
		return
	}

	http.Redirect(w, r, wicket.BasePrefix+wicket.ChallengePath, http.StatusFound)
}

// RenderChallenge issues a fresh challenge and renders it. Requesting the
// page again while already verified redirects to the landing path instead
// of burning a new challenge.
func (s *Server) RenderChallenge(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	if !s.checkRateLimit(w, r) {
		return
	}

	sid, data, _, err := s.loadSession(w, r)
	if err != nil {
		lg.Error("can't load session", "err", err)
		s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
		return
	}

	now := s.now()

	if data.VerifiedFresh(now, s.policy.Verified.TTL.D()) {
		http.Redirect(w, r, wicket.BasePrefix+wicket.DefaultLandingPath, http.StatusFound)
		return
	}

	unlock := s.sessions.Lock(sid)
	defer unlock()

	data, err = s.reloadSession(r.Context(), sid, data)
	if err != nil {
		lg.Error("can't load session", "err", err)
		s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
		return
	}

	if data.VerifiedFresh(now, s.policy.Verified.TTL.D()) {
		http.Redirect(w, r, wicket.BasePrefix+wicket.DefaultLandingPath, http.StatusFound)
		return
	}

	chall, err := s.generator.Generate(now)
	if err != nil {
		lg.Error("can't generate challenge", "err", err)
		s.respondWithError(w, r, "Can't generate a challenge. Please try again later.")
		return
	}

	lastError := data.CaptchaError

	data.ClearVerified()
	data.CaptchaHash = chall.Digest
	issued := chall.IssuedAt
	data.CaptchaGeneratedAt = &issued
	data.CaptchaError = ""

	if err := s.sessions.Put(r.Context(), sid, data); err != nil {
		lg.Error("can't save session", "err", err)
		s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
		return
	}

	challengesIssued.Inc()

	page := web.ChallengePage{
		Glyphs:       chall.Glyphs,
		Error:        errorMessage(lastError),
		SubmitPath:   wicket.BasePrefix + wicket.SubmitPath,
		StaticPrefix: wicket.BasePrefix + wicket.StaticPath,
		Version:      wicket.Version,
	}

	handler := internal.GzipMiddleware(1, internal.NoStoreCache(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Challenge(w, page); err != nil {
			lg.Error("[unexpected] render failed, please open an issue", "err", err)
		}
	})))
	handler.ServeHTTP(w, r)
}

// PassChallenge consumes a submitted answer and either verifies the session
// or sends the client back for a fresh challenge. The transition runs under
// the session lock so a double-submitted form can't race itself.
func (s *Server) PassChallenge(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	if !s.checkRateLimit(w, r) {
		return
	}

	sid, data, _, err := s.loadSession(w, r)
	if err != nil {
		lg.Error("can't load session", "err", err)
		s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
		return
	}

	unlock := s.sessions.Lock(sid)
	defer unlock()

	data, err = s.reloadSession(r.Context(), sid, data)
	if err != nil {
		lg.Error("can't load session", "err", err)
		s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
		return
	}

	answer := r.FormValue("answer")
	now := s.now()

	if err := s.verifyAnswer(data, answer, now); err != nil {
		var cerr *captcha.Error
		if errors.As(err, &cerr) {
			lg.Debug("challenge validate call failed", "err", err)
		}

		switch {
		case errors.Is(err, captcha.ErrMismatch):
			failedValidations.WithLabelValues("mismatch").Inc()
			data.CaptchaError = captchaErrIncorrect
		default:
			failedValidations.WithLabelValues("expired").Inc()
			data.CaptchaError = captchaErrExpired
		}

		// The failed state holds no live challenge, a fresh one is issued
		// on the next render.
		data.ClearChallenge()

		if err := s.sessions.Put(r.Context(), sid, data); err != nil {
			lg.Error("can't save session", "err", err)
			s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
			return
		}

		http.Redirect(w, r, wicket.BasePrefix+wicket.ChallengePath, http.StatusFound)
		return
	}

	redir := data.OriginalPath
	if !validOriginPath(redir) {
		redir = wicket.DefaultLandingPath
	}

	data.ClearChallenge()
	data.CaptchaPassed = true
	passedAt := now
	data.CaptchaPassedAt = &passedAt
	data.CaptchaError = ""
	data.OriginalPath = ""

	if err := s.sessions.Put(r.Context(), sid, data); err != nil {
		lg.Error("can't save session", "err", err)
		s.respondWithError(w, r, "Session storage is unavailable. Please try again later.")
		return
	}

	challengesSolved.Inc()
	lg.Debug("challenge passed, redirecting to app")
	// OriginalPath was captured from the inbound request, so it already
	// carries any base prefix.
	http.Redirect(w, r, redir, http.StatusFound)
}

// verifyAnswer checks a submission against the session's live challenge.
func (s *Server) verifyAnswer(data session.Data, answer string, now time.Time) error {
	if !data.ChallengePending() {
		return captcha.NewError("challenge expired", captcha.ErrNotIssued)
	}

	if now.Sub(*data.CaptchaGeneratedAt) > s.policy.Challenge.TTL.D() {
		return captcha.NewError("challenge expired", captcha.ErrExpired)
	}

	if !captcha.Validate(answer, data.CaptchaHash) {
		return captcha.NewError("wrong answer", captcha.ErrMismatch)
	}

	return nil
}

func errorMessage(code string) string {
	switch code {
	case captchaErrIncorrect:
		return "That answer was not correct. Try the new characters below."
	case captchaErrExpired:
		return "That challenge expired. Try the new characters below."
	default:
		return ""
	}
}

// originPath is the place a verified client gets sent back to. Only the
// request path and query survive, never scheme or host, which keeps the
// redirect same-site by construction.
func originPath(r *http.Request) string {
	result := r.URL.Path
	if r.URL.RawQuery != "" {
		result += "?" + r.URL.RawQuery
	}
	if !validOriginPath(result) {
		return wicket.DefaultLandingPath
	}
	return result
}

func validOriginPath(path string) bool {
	return strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "//") && !strings.HasPrefix(path, "/\\")
}

// pathIsExempt consults the allowlist: the gate's own routes plus the
// policy's exact paths, directory prefixes, and static-asset extensions.
// Matching sees only the path, query strings can't widen an exemption. Only
// the enumerated gate routes are exempt, an unrouted path under the gate
// prefix must not slip past the challenge.
func (s *Server) pathIsExempt(path string) bool {
	base := strings.TrimSuffix(wicket.BasePrefix, "/")
	switch path {
	case base + wicket.ChallengePath, base + wicket.SubmitPath:
		return true
	}
	if strings.HasPrefix(path, base+wicket.StaticPath) {
		return true
	}

	for _, p := range s.policy.Exempt.Paths {
		if path == p {
			return true
		}
	}

	for _, prefix := range s.policy.Exempt.Prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	for _, ext := range s.policy.Exempt.Extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}

	return false
}
