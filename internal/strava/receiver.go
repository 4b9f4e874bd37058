package strava

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CallbackPath is where the provider redirects after consent.
const CallbackPath = "/authorized"

// LoopbackReceiver collects an authorization code on a local HTTP listener.
type LoopbackReceiver struct {
	Addr    string        // e.g. localhost:8000
	Timeout time.Duration // how long to wait for the browser
	Out     io.Writer     // where the consent URL is printed
	Log     *zap.Logger

	// ready, when set, receives the bound address once listening.
	ready chan<- string
}

type callback struct {
	code string
	err  error
}

// Receive prints authURL, then blocks until the provider redirects back with
// a code, reports an error, or the timeout elapses. state is checked when non-empty.
func (r *LoopbackReceiver) Receive(ctx context.Context, authURL, state string) (string, error) {
	ln, err := net.Listen("tcp", r.Addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", r.Addr, err)
	}

	results := make(chan callback, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		var cb callback
		switch {
		case q.Get("error") != "":
			cb.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
		case state != "" && q.Get("state") != state:
			cb.err = errors.New("authorization callback state mismatch")
		case q.Get("code") == "":
			cb.err = errors.New("no authorization code received")
		default:
			cb.code = q.Get("code")
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if cb.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, "<html><body><h1>Authorization failed</h1><p>Return to the terminal.</p></body></html>")
		} else {
			_, _ = io.WriteString(w, "<html><body><h1>Success!</h1><p>You can close this window.</p></body></html>")
		}
		select {
		case results <- cb:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger().Warn("callback server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	if r.Out != nil {
		fmt.Fprintf(r.Out, "Open this URL to authorize access:\n%s\n", authURL)
	}
	r.logger().Info("waiting for authorization callback", zap.String("addr", ln.Addr().String()))
	if r.ready != nil {
		r.ready <- ln.Addr().String()
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cb := <-results:
		return cb.code, cb.err
	case <-timer.C:
		return "", fmt.Errorf("no authorization callback within %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *LoopbackReceiver) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}
