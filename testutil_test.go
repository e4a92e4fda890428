package kinvey

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient wires a client against a stub backend. Both the data host
// and the auth host point at the server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	return newTestClientWithConfig(t, handler, nil)
}

func newTestClientWithConfig(t *testing.T, handler http.Handler, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig("app", "secret")
	cfg.BaaSHost = srv.URL
	cfg.AuthHost = srv.URL
	cfg.Logger = testLogger()
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
