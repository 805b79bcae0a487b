// Package session owns the per-session verification record: the challenge
// digest, the verified marker, and the path to send the client back to.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wickethq/wicket/lib/store"
)

// Data is the verification state attached to one session. Only the gate
// mutates it. The invariant is that CaptchaPassed implies CaptchaPassedAt is
// set and the challenge fields are clear.
type Data struct {
	CaptchaHash        string     `json:"captchaHash,omitempty"`
	CaptchaGeneratedAt *time.Time `json:"captchaGeneratedAt,omitempty"`
	CaptchaPassed      bool       `json:"captchaPassed"`
	CaptchaPassedAt    *time.Time `json:"captchaPassedAt,omitempty"`
	CaptchaError       string     `json:"captchaError,omitempty"`
	OriginalPath       string     `json:"originalPath,omitempty"`
}

// ChallengePending reports whether the session holds a live challenge digest.
func (d Data) ChallengePending() bool {
	return d.CaptchaHash != "" && d.CaptchaGeneratedAt != nil
}

// VerifiedFresh reports whether the session is verified and the marker has
// not aged past ttl. A marker of exactly ttl is still fresh.
func (d Data) VerifiedFresh(now time.Time, ttl time.Duration) bool {
	if !d.CaptchaPassed || d.CaptchaPassedAt == nil {
		return false
	}
	return now.Sub(*d.CaptchaPassedAt) <= ttl
}

// ClearChallenge discards the live challenge, if any.
func (d *Data) ClearChallenge() {
	d.CaptchaHash = ""
	d.CaptchaGeneratedAt = nil
}

// ClearVerified lazily invalidates an expired verification marker.
func (d *Data) ClearVerified() {
	d.CaptchaPassed = false
	d.CaptchaPassedAt = nil
}

const lockStripes = 64

// Manager stores session records and serializes state transitions per
// session. Cross-session operations never block each other beyond the
// stripe they hash into.
type Manager struct {
	db       store.JSON[Data]
	lifetime time.Duration
	locks    [lockStripes]sync.Mutex
}

func NewManager(st store.Interface, lifetime time.Duration) *Manager {
	return &Manager{
		db: store.JSON[Data]{
			Underlying: st,
			Prefix:     "session:",
		},
		lifetime: lifetime,
	}
}

// Get fetches a session record. Errors pass through from the store, so
// callers can tell a missing session (store.ErrNotFound) apart from an
// unavailable backend.
func (m *Manager) Get(ctx context.Context, id string) (Data, error) {
	return m.db.Get(ctx, id)
}

// Put writes a session record with the manager's lifetime.
func (m *Manager) Put(ctx context.Context, id string, data Data) error {
	return m.db.Set(ctx, id, data, m.lifetime)
}

// Delete removes a session record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.db.Delete(ctx, id)
}

// Lock serializes read-modify-write cycles for one session, so a
// double-submitted form can't have both submissions read ChallengePending
// and clobber each other's outcome. It returns the unlock function.
func (m *Manager) Lock(id string) func() {
	stripe := &m.locks[xxhash.Sum64String(id)%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}
