package kinvey

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
)

func testActiveUser(token string) Entity {
	return Entity{
		"_id":  "u1",
		"_kmd": map[string]any{"authtoken": token},
		"_socialIdentity": map[string]any{
			"kinveyAuth": map[string]any{
				"access_token":  "at1",
				"refresh_token": "rt1",
				"client_id":     "app",
			},
		},
	}
}

func TestRefreshSerialization(t *testing.T) {
	ctx := context.Background()

	var tokenPosts int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token" && r.Method == http.MethodPost:
			atomic.AddInt64(&tokenPosts, 1)
			if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "refresh_token" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "InvalidGrant"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "at2", "refresh_token": "rt2"})
		case r.URL.Path == "/user/app/login" && r.Method == http.MethodPost:
			writeJSON(w, http.StatusOK, testActiveUser("tok2"))
		case r.URL.Path == "/appdata/app/books":
			if r.Header.Get("Authorization") != "Kinvey tok2" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "InvalidCredentials"})
				return
			}
			writeJSON(w, http.StatusOK, []Entity{{"_id": "1"}})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "NotFound"})
		}
	})
	client := newTestClient(t, handler)
	if err := client.SetActiveUser(ctx, testActiveUser("tok1")); err != nil {
		t.Fatalf("setActiveUser: %v", err)
	}
	store, _ := client.Collection("books", ModeNetwork, nil)

	const finds = 3
	var wg sync.WaitGroup
	errs := make([]error, finds)
	for i := 0; i < finds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Find(ctx, nil).Final(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("find %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt64(&tokenPosts); n != 1 {
		t.Fatalf("expected exactly 1 refresh POST, observed %d", n)
	}

	user, _ := client.ActiveUser(ctx)
	if token, _ := user.Metadata()[kmdAuthToken].(string); token != "tok2" {
		t.Fatalf("active user token not refreshed: %q", token)
	}
}

func TestRefreshFailureLogsOutActiveUser(t *testing.T) {
	ctx := context.Background()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "InvalidGrant"})
		default:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "InvalidCredentials"})
		}
	})
	client := newTestClient(t, handler)
	if err := client.SetActiveUser(ctx, testActiveUser("tok1")); err != nil {
		t.Fatalf("setActiveUser: %v", err)
	}

	var loggedOut bool
	client.OnSessionInvalidated(func() { loggedOut = true })

	store, _ := client.Collection("books", ModeNetwork, nil)
	_, err := store.Find(ctx, nil).Final(ctx)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}
	if !loggedOut {
		t.Fatal("logout observers must fire on refresh failure")
	}
	if user, _ := client.ActiveUser(ctx); user != nil {
		t.Fatalf("active user must be cleared, got %v", user)
	}
}

func TestSessionAuthWithoutActiveUserFallsBackToMaster(t *testing.T) {
	ctx := context.Background()

	var sawAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, []Entity{})
	})
	client := newTestClientWithConfig(t, handler, func(cfg *Config) {
		cfg.MasterSecret = "master"
	})
	store, _ := client.Collection("books", ModeNetwork, nil)

	if _, err := store.Find(ctx, nil).Final(ctx); err != nil {
		t.Fatalf("find: %v", err)
	}
	if sawAuth == "" || sawAuth[:6] != "Basic " {
		t.Fatalf("expected basic master auth, got %q", sawAuth)
	}
}

func TestRequestHeaders(t *testing.T) {
	ctx := context.Background()

	var got http.Header
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeJSON(w, http.StatusOK, []Entity{})
	})
	client := newTestClientWithConfig(t, handler, func(cfg *Config) {
		cfg.ClientAppVersion = "2.1.0"
		cfg.CustomRequestProperties = map[string]any{"tenant": "acme"}
	})
	store, _ := client.Collection("books", ModeNetwork, nil)

	if _, err := store.Find(ctx, nil).Final(ctx); err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Get(headerAPIVersion) != "4" {
		t.Fatalf("api version header: %q", got.Get(headerAPIVersion))
	}
	if got.Get("Accept") != contentTypeJSON {
		t.Fatalf("accept header: %q", got.Get("Accept"))
	}
	if got.Get(headerClientAppVersion) != "2.1.0" {
		t.Fatalf("client app version header: %q", got.Get(headerClientAppVersion))
	}
	if got.Get(headerCustomProperties) != `{"tenant":"acme"}` {
		t.Fatalf("custom properties header: %q", got.Get(headerCustomProperties))
	}
}

func TestOversizedCustomPropertiesAreRejected(t *testing.T) {
	ctx := context.Background()

	big := make([]byte, maxCustomPropertiesBytes)
	for i := range big {
		big[i] = 'x'
	}
	client := newTestClientWithConfig(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the backend")
	}), func(cfg *Config) {
		cfg.CustomRequestProperties = map[string]any{"blob": string(big)}
	})
	store, _ := client.Collection("books", ModeNetwork, nil)

	_, err := store.Find(ctx, nil).Final(ctx)
	if err == nil || kindOf(err) != KindKinvey {
		t.Fatalf("expected a Kinvey error, got %v", err)
	}
}

func TestResponseErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		name   string
		want   ErrorKind
	}{
		{http.StatusUnauthorized, "InvalidCredentials", KindInvalidCredentials},
		{http.StatusBadRequest, "InvalidGrant", KindInvalidGrant},
		{http.StatusNotFound, "EntityNotFound", KindNotFound},
		{http.StatusBadRequest, "MissingConfiguration", KindMissingConfiguration},
		{http.StatusBadRequest, "FeatureUnavailable", KindInvalidCachedQuery},
		{http.StatusBadRequest, "ParameterValueOutOfRange", KindInvalidCachedQuery},
		{http.StatusInternalServerError, "KinveyInternalErrorRetry", KindServerError},
		{http.StatusUnauthorized, "", KindInvalidCredentials},
		{http.StatusNotFound, "", KindNotFound},
		{http.StatusBadGateway, "", KindServerError},
		{http.StatusBadRequest, "", KindKinvey},
	}
	for _, tt := range tests {
		resp := &response{StatusCode: tt.status}
		if tt.name != "" {
			resp.Data = []byte(`{"error":"` + tt.name + `"}`)
		}
		err := mapResponseError(resp)
		if kindOf(err) != tt.want {
			t.Fatalf("status=%d name=%q: expected %s, got %v", tt.status, tt.name, tt.want, err)
		}
	}
}

func TestTransportErrorsMapToNoResponse(t *testing.T) {
	ctx := context.Background()
	client := newTestClientWithConfig(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), func(cfg *Config) {
		cfg.BaaSHost = "http://127.0.0.1:1"
	})
	store, _ := client.Collection("books", ModeNetwork, nil)

	_, err := store.Find(ctx, nil).Final(ctx)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected NoResponse, got %v", err)
	}
}
