package syncd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/client"
)

// TestServer wraps a running syncd.Server with convenient handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Addr    net.Addr
	Config  Config

	logWriter *testingWriter
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// StartTestServer boots a server on an ephemeral port, registers cleanup
// with t, and returns handles for tests. Defaults: one token "test-token"
// for user "test-user" unless cfg.Tokens is set.
func StartTestServer(t testing.TB, cfg Config) *TestServer {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Tokens == nil {
		cfg.Tokens = map[string]string{"test-token": "test-user"}
	}
	w := &testingWriter{t: t}
	logger := pslog.NewStructured(w)
	srv, err := NewServer(cfg, WithLogger(logger))
	if err != nil {
		t.Fatalf("syncd: start test server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	readyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		t.Fatalf("syncd: test server never became ready: %v", err)
	}
	addr := srv.ListenerAddr()
	ts := &TestServer{
		Server:    srv,
		BaseURL:   "http://" + addr.String(),
		Addr:      addr,
		Config:    cfg,
		logWriter: w,
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("syncd: test server shutdown: %v", err)
		}
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("syncd: test server serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("syncd: test server never stopped serving")
		}
		w.close()
	})
	return ts
}

// Client returns an API client authenticated with the supplied token.
func (ts *TestServer) Client(token string, opts ...client.Option) *client.Client {
	return client.New(ts.BaseURL, token, opts...)
}
