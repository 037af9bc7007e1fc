package oidc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>Authentication Complete</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h2>Authentication complete</h2>
<p>You can close this tab and return to your terminal.</p>
</body>
</html>`

type callbackResult struct {
	code string
	err  error
}

// callbackServer is the one-shot local listener for the OAuth redirect. The
// listener is bound at construction; the first /callback request (valid or
// not) finishes it.
type callbackServer struct {
	listener net.Listener
	server   *http.Server
	state    string
	once     sync.Once
	results  chan callbackResult
}

func newCallbackServer(port int, state string) (*callbackServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, fmt.Errorf("cannot bind callback port %d: %w", port, err)
	}
	cs := &callbackServer{
		listener: ln,
		state:    state,
		results:  make(chan callbackResult, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", cs.handle)
	cs.server = &http.Server{Handler: mux}
	go func() { _ = cs.server.Serve(ln) }()
	return cs, nil
}

func (cs *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		desc := q.Get("error_description")
		http.Error(w, "Authentication failed: "+errParam, http.StatusBadRequest)
		cs.deliver(callbackResult{err: fmt.Errorf("provider returned %q: %s", errParam, desc)})
		return
	}
	if q.Get("state") != cs.state || q.Get("code") == "" {
		http.Error(w, "Invalid callback request", http.StatusBadRequest)
		cs.deliver(callbackResult{err: fmt.Errorf("callback state mismatch or missing code")})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, callbackPage)
	cs.deliver(callbackResult{code: q.Get("code")})
}

func (cs *callbackServer) deliver(res callbackResult) {
	cs.once.Do(func() { cs.results <- res })
}

// wait blocks for the single callback, the timeout, or context cancellation.
func (cs *callbackServer) wait(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case res := <-cs.results:
		if res.err != nil {
			return "", res.err
		}
		return res.code, nil
	case <-time.After(timeout):
		return "", ErrAuthTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (cs *callbackServer) close() {
	_ = cs.server.Close()
}
