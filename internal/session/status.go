package session

import (
	"time"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/credstore"
)

// Status is a point-in-time view of a provider's stored token. It never
// contains token material.
type Status struct {
	Provider        string    `json:"provider"`
	TokenFile       string    `json:"token_file"`
	HasToken        bool      `json:"has_token"`
	Valid           bool      `json:"valid"`
	Refreshable     bool      `json:"refreshable"`
	TokenType       string    `json:"token_type,omitempty"`
	IssuedAt        time.Time `json:"issued_at,omitzero"`
	StandardExpiry  time.Time `json:"standard_expiry,omitzero"`
	StandardExpired bool      `json:"standard_expired"`
	// SlidingWindowExpiresAt is zero when no window is set.
	SlidingWindowExpiresAt time.Time `json:"sliding_window_expires_at,omitzero"`
	LastRefresh            time.Time `json:"last_refresh,omitzero"`
	DaysRemaining          int       `json:"days_remaining"`
	DueForRefresh          bool      `json:"due_for_refresh"`
	ProactivePending       bool      `json:"proactive_refresh_pending"`
}

// Status reports on the stored token without touching the network.
func (d *Driver) Status() Status {
	return StatusOf(d.provider.Name, d.store, d.settings, d.proactive.Load())
}

// StatusOf builds a Status straight from a store, for providers that have no
// credentials configured and therefore no Driver.
func StatusOf(name string, store *credstore.Store, s Settings, proactive bool) Status {
	st := Status{
		Provider:         name,
		TokenFile:        store.Path(),
		ProactivePending: proactive,
	}

	tok, ok := store.Current()
	if !ok {
		return st
	}

	now := store.Now()
	horizon := tok.StandardExpiry()

	if tok.HasSlidingWindow() {
		horizon = tok.SlidingWindowExpiresAt
	}

	st.HasToken = true
	st.Valid = !credstore.IsExpired(tok, now, 0)
	st.Refreshable = tok.Refreshable()
	st.TokenType = tok.Type()
	st.IssuedAt = tok.IssuedAt
	st.StandardExpiry = tok.StandardExpiry()
	st.StandardExpired = credstore.StandardExpired(tok, now, 0)
	st.SlidingWindowExpiresAt = tok.SlidingWindowExpiresAt
	st.LastRefresh = tok.LastRefresh
	st.DaysRemaining = max(0, int(horizon.Sub(now)/(24*time.Hour)))
	st.DueForRefresh = tok.Refreshable() &&
		(credstore.StandardExpired(tok, now, s.TokenRefreshBuffer) ||
			(tok.HasSlidingWindow() && !now.Add(s.TokenRefreshBuffer).Before(tok.SlidingWindowExpiresAt)))

	return st
}
