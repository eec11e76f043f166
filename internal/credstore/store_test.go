package credstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock shared by all stores of a registry.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	reg := NewRegistry(WithClock(clock.Now))

	return reg.Store(filepath.Join(t.TempDir(), "tokens", "whoop.json")), clock
}

func assertTokenEqual(t *testing.T, want, got Token) {
	t.Helper()

	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.Equal(t, want.TokenType, got.TokenType)
	assert.Equal(t, want.ExpiresIn, got.ExpiresIn)
	assert.True(t, want.IssuedAt.Equal(got.IssuedAt), "issued_at %v != %v", want.IssuedAt, got.IssuedAt)
	assert.True(t, want.SlidingWindowExpiresAt.Equal(got.SlidingWindowExpiresAt),
		"sliding window %v != %v", want.SlidingWindowExpiresAt, got.SlidingWindowExpiresAt)
	assert.True(t, want.LastRefresh.Equal(got.LastRefresh), "last refresh %v != %v", want.LastRefresh, got.LastRefresh)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()

	tokens := []Token{
		{AccessToken: "abc", TokenType: "Bearer", ExpiresIn: time.Hour},
		{AccessToken: "abc", RefreshToken: "r1", TokenType: "Bearer", ExpiresIn: 3 * time.Hour,
			SlidingWindowExpiresAt: base.Add(90 * 24 * time.Hour), LastRefresh: base.Add(-time.Minute)},
		{AccessToken: "x", RefreshToken: "y", TokenType: "MAC", ExpiresIn: 10 * time.Second,
			SlidingWindowExpiresAt: base.Add(time.Hour + 123456*time.Microsecond)},
	}

	for _, tok := range tokens {
		path := filepath.Join(t.TempDir(), "tok.json")

		// Separate registries so Load really reads the file.
		saved, err := NewRegistry(WithClock(clock.Now)).Store(path).Save(tok)
		require.NoError(t, err)

		loaded, ok := NewRegistry(WithClock(clock.Now)).Store(path).Load()
		require.True(t, ok)
		assertTokenEqual(t, saved, loaded)
		assert.True(t, saved.IssuedAt.Equal(base))
	}
}

func TestSave_StampsIssuedAtAndClampsWindow(t *testing.T) {
	s, clock := newTestStore(t)

	saved, err := s.Save(Token{
		AccessToken:            "a",
		RefreshToken:           "r",
		ExpiresIn:              2 * time.Hour,
		IssuedAt:               time.Unix(1, 0),
		SlidingWindowExpiresAt: clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	assert.True(t, saved.IssuedAt.Equal(clock.Now()))
	assert.True(t, saved.SlidingWindowExpiresAt.Equal(saved.StandardExpiry()),
		"window must never end before the standard expiry")
	assert.Equal(t, DefaultTokenType, saved.TokenType)
}

func TestLoad_MissingFile(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok := s.Load()
	assert.False(t, ok)

	_, ok = s.Current()
	assert.False(t, ok)
}

func TestLoad_CorruptFileIsNoToken(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o700))
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"access_token": tru`), 0o600))

	_, ok := s.Load()
	assert.False(t, ok)
}

func TestLoad_LegacyExtendedRecord(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o700))
	legacy := `{
		"access_token": "legacy",
		"refresh_token": "legacy-refresh",
		"token_type": "Bearer",
		"expires_in": 7776000,
		"original_expires_in": 10800,
		"timestamp": 1700000000.5,
		"last_refresh_time": "2023-11-14T22:13:20.500000"
	}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(legacy), 0o600))

	tok, ok := s.Load()
	require.True(t, ok)

	issued := time.UnixMicro(1700000000500000).UTC()
	assert.True(t, tok.IssuedAt.Equal(issued))
	assert.Equal(t, 3*time.Hour, tok.ExpiresIn)
	assert.True(t, tok.SlidingWindowExpiresAt.Equal(issued.Add(90*24*time.Hour)))
	assert.False(t, tok.LastRefresh.IsZero())
}

func TestIsExpired_Monotonic(t *testing.T) {
	s, clock := newTestStore(t)

	saved, err := s.Save(Token{AccessToken: "a", ExpiresIn: time.Hour})
	require.NoError(t, err)

	assert.False(t, s.IsExpired(saved, 0))

	clock.Advance(59 * time.Minute)
	assert.False(t, s.IsExpired(saved, 0))
	assert.True(t, s.IsExpired(saved, time.Minute), "buffer pulls expiry forward")

	clock.Advance(time.Minute)
	assert.True(t, s.IsExpired(saved, 0))

	clock.Advance(24 * time.Hour)
	assert.True(t, s.IsExpired(saved, 0))
}

func TestIsExpired_SlidingWindowOverride(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := Token{
		AccessToken:            "a",
		RefreshToken:           "r",
		IssuedAt:               now.Add(-2 * time.Hour),
		ExpiresIn:              time.Hour,
		SlidingWindowExpiresAt: now.Add(10 * 24 * time.Hour),
	}

	assert.True(t, StandardExpired(tok, now, 0))
	assert.False(t, IsExpired(tok, now, 0))

	buffer := time.Hour
	edge := tok.SlidingWindowExpiresAt.Add(-buffer)

	assert.False(t, IsExpired(tok, edge.Add(-time.Second), buffer))
	assert.True(t, IsExpired(tok, edge, buffer))
	assert.True(t, IsExpired(tok, edge.Add(time.Second), buffer))
}

func TestIsExpired_NoWindowExpiresAfterLifetime(t *testing.T) {
	s, clock := newTestStore(t)

	saved, err := s.Save(Token{AccessToken: "abc", ExpiresIn: 3600 * time.Second})
	require.NoError(t, err)
	assert.False(t, saved.HasSlidingWindow())

	const buffer = 300 * time.Second

	assert.False(t, s.IsExpired(saved, buffer))

	clock.Advance(3600 * time.Second)
	assert.True(t, s.IsExpired(saved, buffer))
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Save(Token{AccessToken: "a", ExpiresIn: time.Hour})
	require.NoError(t, err)

	require.NoError(t, s.Clear())

	_, ok := s.Current()
	assert.False(t, ok)

	_, statErr := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(statErr))

	// Clearing twice is fine.
	assert.NoError(t, s.Clear())
}

func TestSave_DiskFailureKeepsMemory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s := NewRegistry().Store(filepath.Join(blocker, "token.json"))

	saved, err := s.Save(Token{AccessToken: "kept", ExpiresIn: time.Hour})
	require.Error(t, err)

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "kept", cur.AccessToken)
	assert.Equal(t, saved.AccessToken, cur.AccessToken)
}

func TestRegistry_SharesStorePerPath(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()

	a := reg.Store(filepath.Join(dir, "t.json"))
	b := reg.Store(filepath.Join(dir, "sub", "..", "t.json"))
	c := reg.Store(filepath.Join(dir, "other.json"))

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, reg.Paths(), 2)

	_, err := a.Save(Token{AccessToken: "shared", ExpiresIn: time.Hour})
	require.NoError(t, err)

	got, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, "shared", got.AccessToken)
}

func TestRegistry_IndependentInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.json")

	a := NewRegistry().Store(path)
	b := NewRegistry().Store(path)

	assert.NotSame(t, a, b)
}

func TestSerialize_CollapsesConcurrentRefreshes(t *testing.T) {
	s, _ := newTestStore(t)

	var calls atomic.Int32

	release := make(chan struct{})

	fn := func(context.Context) (Token, error) {
		calls.Add(1)
		<-release

		return s.Save(Token{AccessToken: "fresh", ExpiresIn: time.Hour})
	}

	const workers = 8

	var wg sync.WaitGroup

	results := make([]Token, workers)

	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tok, err := s.Serialize(context.Background(), fn)
			assert.NoError(t, err)
			results[i] = tok
		}()
	}

	// Let the goroutines pile up on the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for _, r := range results {
		assert.Equal(t, "fresh", r.AccessToken)
	}
}

func TestSerialize_PropagatesError(t *testing.T) {
	s, _ := newTestStore(t)
	boom := errors.New("boom")

	_, err := s.Serialize(context.Background(), func(context.Context) (Token, error) {
		return Token{}, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestLockFile_RespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.json.lock")

	unlock, err := lockFile(context.Background(), path)
	require.NoError(t, err)

	defer unlock()

	// flock locks are per open file description, so a second open in the
	// same process contends like another process would.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = lockFile(ctx, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatch_InvalidatesOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.json")

	mine := NewRegistry().Store(path)
	_, err := mine.Save(Token{AccessToken: "old", ExpiresIn: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- mine.Watch(ctx) }()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	other := NewRegistry().Store(path)
	_, err = other.Save(Token{AccessToken: "new", ExpiresIn: time.Hour})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		cur, ok := mine.Current()
		return ok && cur.AccessToken == "new"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestReload_AdoptsExternalTokenAndKeepsMemoryOtherwise(t *testing.T) {
	s, clock := newTestStore(t)

	_, err := s.Save(Token{AccessToken: "mine", RefreshToken: "r", ExpiresIn: time.Hour})
	require.NoError(t, err)

	other := NewRegistry(WithClock(clock.Now)).Store(s.Path())
	_, err = other.Save(Token{AccessToken: "theirs", RefreshToken: "r2", ExpiresIn: time.Hour})
	require.NoError(t, err)

	got, ok := s.Reload()
	require.True(t, ok)
	assert.Equal(t, "theirs", got.AccessToken)

	require.NoError(t, os.Remove(s.Path()))

	got, ok = s.Reload()
	require.True(t, ok, "missing file must not drop the in-memory token")
	assert.Equal(t, "theirs", got.AccessToken)
}
