package credstore

import (
	"time"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/tokenfile"
)

// DefaultTokenType is used when a provider omits token_type.
const DefaultTokenType = "Bearer"

// Token is the authentication material for one provider. Values are
// immutable: every refresh or re-authorization produces a new Token.
type Token struct {
	AccessToken  string
	RefreshToken string // empty for non-refreshable grants
	TokenType    string

	// IssuedAt is when this record was last written.
	IssuedAt time.Time
	// ExpiresIn is the provider-declared access token lifetime.
	ExpiresIn time.Duration
	// SlidingWindowExpiresAt is the extended validity boundary granted after
	// a successful refresh. Zero means no sliding window.
	SlidingWindowExpiresAt time.Time
	// LastRefresh is diagnostic only.
	LastRefresh time.Time
}

// StandardExpiry is IssuedAt + ExpiresIn.
func (t Token) StandardExpiry() time.Time {
	return t.IssuedAt.Add(t.ExpiresIn)
}

// HasSlidingWindow reports whether a sliding window boundary is set.
func (t Token) HasSlidingWindow() bool {
	return !t.SlidingWindowExpiresAt.IsZero()
}

// Refreshable reports whether the token carries a refresh token.
func (t Token) Refreshable() bool {
	return t.RefreshToken != ""
}

// Type returns the token type, defaulting to Bearer.
func (t Token) Type() string {
	if t.TokenType == "" {
		return DefaultTokenType
	}

	return t.TokenType
}

// AuthorizationHeader returns the value for the Authorization header.
func (t Token) AuthorizationHeader() string {
	return t.Type() + " " + t.AccessToken
}

// WithIssuedAt returns a copy stamped with issuedAt. The sliding window is
// raised to the standard expiry when it would otherwise fall below it.
func (t Token) WithIssuedAt(issuedAt time.Time) Token {
	out := t
	out.TokenType = t.Type()
	out.IssuedAt = issuedAt.UTC().Truncate(time.Microsecond)
	out.ExpiresIn = t.ExpiresIn.Round(time.Second)

	if out.HasSlidingWindow() {
		out.SlidingWindowExpiresAt = out.SlidingWindowExpiresAt.UTC().Truncate(time.Microsecond)
		if std := out.StandardExpiry(); out.SlidingWindowExpiresAt.Before(std) {
			out.SlidingWindowExpiresAt = std
		}
	}

	if !out.LastRefresh.IsZero() {
		out.LastRefresh = out.LastRefresh.UTC().Truncate(time.Microsecond)
	}

	return out
}

// IsExpired reports whether tok should be treated as expired at now, given a
// safety buffer. The standard expiry (IssuedAt + ExpiresIn) applies unless a
// sliding window is set and still ahead of now+buffer, in which case the
// window wins.
func IsExpired(tok Token, now time.Time, buffer time.Duration) bool {
	horizon := now.Add(buffer)

	if tok.HasSlidingWindow() && horizon.Before(tok.SlidingWindowExpiresAt) {
		return false
	}

	return !horizon.Before(tok.StandardExpiry())
}

// StandardExpired reports whether the provider lifetime alone has run out
// within buffer, ignoring any sliding window.
func StandardExpired(tok Token, now time.Time, buffer time.Duration) bool {
	return !now.Add(buffer).Before(tok.StandardExpiry())
}

// toRecord converts a Token into the on-disk format.
func toRecord(tok Token) *tokenfile.Record {
	secs := int64(tok.ExpiresIn / time.Second)

	rec := &tokenfile.Record{
		AccessToken:       tok.AccessToken,
		TokenType:         tok.Type(),
		ExpiresIn:         secs,
		OriginalExpiresIn: secs,
		Timestamp:         tokenfile.NewUnixTime(tok.IssuedAt),
	}

	if tok.RefreshToken != "" {
		rt := tok.RefreshToken
		rec.RefreshToken = &rt
	}

	if tok.HasSlidingWindow() {
		sw := tokenfile.NewUnixTime(tok.SlidingWindowExpiresAt)
		rec.SlidingWindowExpiresAt = &sw
	}

	if !tok.LastRefresh.IsZero() {
		rec.LastRefreshTime = tok.LastRefresh.UTC().Format(time.RFC3339Nano)
	}

	return rec
}

// fromRecord converts an on-disk record into a Token, normalizing files
// written by the old tooling where expires_in held the extended lifetime.
func fromRecord(rec *tokenfile.Record) Token {
	tok := Token{
		AccessToken: rec.AccessToken,
		TokenType:   rec.TokenType,
		IssuedAt:    rec.Timestamp.Time,
		ExpiresIn:   time.Duration(rec.ExpiresIn) * time.Second,
	}

	if rec.RefreshToken != nil {
		tok.RefreshToken = *rec.RefreshToken
	}

	if rec.LastRefreshTime != "" {
		if lr, err := tokenfile.ParseTime(rec.LastRefreshTime); err == nil {
			tok.LastRefresh = lr
		}
	}

	switch {
	case rec.SlidingWindowExpiresAt != nil && !rec.SlidingWindowExpiresAt.IsZero():
		tok.SlidingWindowExpiresAt = rec.SlidingWindowExpiresAt.Time
	case rec.OriginalExpiresIn > 0 && rec.ExpiresIn > rec.OriginalExpiresIn:
		// Legacy extended record: the written expires_in was the window.
		tok.SlidingWindowExpiresAt = tok.IssuedAt.Add(tok.ExpiresIn)
		tok.ExpiresIn = time.Duration(rec.OriginalExpiresIn) * time.Second
	}

	return tok
}
