package callback

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenAny binds a kernel-assigned port so tests never collide on 8080.
func listenAny(t *testing.T) *Listener {
	t.Helper()

	l, err := Listen(context.Background(), ListenConfig{BasePort: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l
}

func get(t *testing.T, rawURL string) (int, string) {
	t.Helper()

	resp, err := http.Get(rawURL) //nolint:noctx // test helper
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func assertPortFree(t *testing.T, port int) {
	t.Helper()

	ln, err := net.Listen("tcp", net.JoinHostPort(DefaultHost, strconv.Itoa(port)))
	require.NoError(t, err, "port %d should be free after the listener exits", port)
	ln.Close()
}

func TestNewFlow_Defaults(t *testing.T) {
	f1, err := NewFlow("", 0)
	require.NoError(t, err)

	f2, err := NewFlow("/cb", 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, DefaultPath, f1.RedirectPath)
	assert.Equal(t, DefaultTimeout, f1.Timeout)
	assert.Equal(t, "/cb", f2.RedirectPath)
	assert.NotEqual(t, f1.State, f2.State)
	assert.NotEqual(t, f1.ID, f2.ID)
	assert.GreaterOrEqual(t, len(f1.State), 40)
}

func TestAwait_ReceivesCode(t *testing.T) {
	l := listenAny(t)
	assert.Equal(t, StateListening, l.State())

	go func() {
		status, body := get(t, l.RedirectURL()+"?code=abc&state=xyz")
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, body, "Authentication successful")
	}()

	res, err := l.Await(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Code)
	assert.Equal(t, "xyz", res.State)
	assert.Equal(t, StateReceived, l.State())

	assertPortFree(t, l.Port())
}

func TestAwait_ProviderDenied(t *testing.T) {
	l := listenAny(t)

	go func() {
		status, _ := get(t, l.RedirectURL()+"?error=access_denied&error_description=user+said+no")
		assert.Equal(t, http.StatusOK, status)
	}()

	_, err := l.Await(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "access_denied", denied.Code)
	assert.Equal(t, "user said no", denied.Description)
	assert.Equal(t, StateDenied, l.State())
}

func TestAwait_BadRequestDoesNotEndWait(t *testing.T) {
	l := listenAny(t)

	go func() {
		status, body := get(t, l.RedirectURL()+"?foo=bar")
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, body, "No authorization code")

		status, _ = get(t, l.RedirectURL()+"?code=later&state=s")
		assert.Equal(t, http.StatusOK, status)
	}()

	res, err := l.Await(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "later", res.Code)
}

func TestAwait_Timeout(t *testing.T) {
	l := listenAny(t)

	start := time.Now()
	_, err := l.Await(context.Background(), time.Second)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, StateTimedOut, l.State())

	assertPortFree(t, l.Port())
}

func TestAwait_ContextCanceled(t *testing.T) {
	l := listenAny(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := l.Await(ctx, 10*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCanceled, l.State())

	assertPortFree(t, l.Port())
}

func TestAwait_SingleUse(t *testing.T) {
	l := listenAny(t)

	_, err := l.Await(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	_, err = l.Await(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrListenerUsed)
}

func TestAwait_CallbackBeforeAwaitIsKept(t *testing.T) {
	l := listenAny(t)

	status, _ := get(t, l.RedirectURL()+"?code=early&state=s")
	require.Equal(t, http.StatusOK, status)

	res, err := l.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "early", res.Code)
}

func TestListen_FallsBackToNextPort(t *testing.T) {
	occupied, err := net.Listen("tcp", net.JoinHostPort(DefaultHost, "0"))
	require.NoError(t, err)
	defer occupied.Close()

	base := occupied.Addr().(*net.TCPAddr).Port

	l, err := Listen(context.Background(), ListenConfig{BasePort: base, PortRange: 3})
	if err != nil {
		t.Skipf("neighbouring ports busy: %v", err)
	}
	defer l.Close()

	assert.Greater(t, l.Port(), base)
	assert.LessOrEqual(t, l.Port(), base+2)
}

func TestListen_NoFreePort(t *testing.T) {
	occupied, err := net.Listen("tcp", net.JoinHostPort(DefaultHost, "0"))
	require.NoError(t, err)
	defer occupied.Close()

	base := occupied.Addr().(*net.TCPAddr).Port

	_, err = Listen(context.Background(), ListenConfig{BasePort: base, PortRange: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortUnavailable)
}

func TestRedirectURL(t *testing.T) {
	l, err := Listen(context.Background(), ListenConfig{Path: "/oauth/cb"})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "http://localhost:"+strconv.Itoa(l.Port())+"/oauth/cb", l.RedirectURL())
}

func TestClose_Idempotent(t *testing.T) {
	l := listenAny(t)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, StateCanceled, l.State())
	assertPortFree(t, l.Port())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Contains(t, State(42).String(), "unknown")
}
