package strava

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startReceiver(t *testing.T, state string, timeout time.Duration) (string, <-chan callback, *bytes.Buffer) {
	t.Helper()
	ready := make(chan string, 1)
	out := &bytes.Buffer{}
	r := &LoopbackReceiver{Addr: "127.0.0.1:0", Timeout: timeout, Out: out, Log: zaptest.NewLogger(t), ready: ready}

	done := make(chan callback, 1)
	go func() {
		code, err := r.Receive(context.Background(), "https://example.test/authorize", state)
		done <- callback{code: code, err: err}
	}()
	select {
	case addr := <-ready:
		return addr, done, out
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not start")
	}
	return "", nil, nil
}

func TestLoopbackReceiver_Code(t *testing.T) {
	addr, done, out := startReceiver(t, "s1", time.Minute)

	resp, err := http.Get("http://" + addr + CallbackPath + "?state=s1&code=abc123&scope=read,activity:read_all")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cb := <-done
	require.NoError(t, cb.err)
	require.Equal(t, "abc123", cb.code)
	require.Contains(t, out.String(), "https://example.test/authorize")
}

func TestLoopbackReceiver_Denied(t *testing.T) {
	addr, done, _ := startReceiver(t, "", time.Minute)

	resp, err := http.Get("http://" + addr + CallbackPath + "?error=access_denied")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	cb := <-done
	require.ErrorContains(t, cb.err, "access_denied")
}

func TestLoopbackReceiver_StateMismatch(t *testing.T) {
	addr, done, _ := startReceiver(t, "expected", time.Minute)

	resp, err := http.Get("http://" + addr + CallbackPath + "?state=forged&code=x")
	require.NoError(t, err)
	resp.Body.Close()

	cb := <-done
	require.ErrorContains(t, cb.err, "state mismatch")
}

func TestLoopbackReceiver_Timeout(t *testing.T) {
	_, done, _ := startReceiver(t, "", 50*time.Millisecond)
	cb := <-done
	require.Error(t, cb.err)
	require.Empty(t, cb.code)
}
