package kinvey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// HTTPDoer is the transport seam. http.Client satisfies it; tests substitute
// recording implementations.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request headers sent to the backend.
const (
	headerAPIVersion        = "X-Kinvey-Api-Version"
	headerRequestStart      = "X-Kinvey-Request-Start"
	headerSkipBL            = "X-Kinvey-Skip-Business-Logic"
	headerIncludeHeaders    = "X-Kinvey-Include-Headers-In-Response"
	headerResponseWrapper   = "X-Kinvey-ResponseWrapper"
	headerClientAppVersion  = "X-Kinvey-Client-App-Version"
	headerCustomProperties  = "X-Kinvey-Custom-Request-Properties"
	contentTypeJSON         = "application/json; charset=utf-8"
	defaultDeviceInfoHeader = "X-Kinvey-Device-Info"
)

// request describes one backend call before transport concerns are applied.
type request struct {
	method  string
	host    string // defaults to the client's BaaS host
	path    string
	query   url.Values
	body    any
	auth    AuthScheme
	form    url.Values // when set, the body is form-encoded (token refresh)
	headers map[string]string
	// retry is true until the request has consumed its single
	// refresh-and-retry allowance.
	retry bool
}

// response is a completed backend call. Data is the raw JSON body; Headers
// exposes response headers such as X-Kinvey-Request-Start.
type response struct {
	StatusCode int
	Headers    http.Header
	Data       json.RawMessage
}

// RequestStart returns the backend's authoritative timestamp for the
// request, or "" when the header is absent.
func (r *response) RequestStart() string {
	if r == nil {
		return ""
	}
	return r.Headers.Get(headerRequestStart)
}

func (r *response) decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// backendError is the backend's error body shape.
type backendError struct {
	Name        string `json:"error"`
	Description string `json:"description"`
	Debug       string `json:"debug"`
}

// httpClient executes authenticated requests. It owns the process-wide
// token-refresh gate: while a refresh is in flight every new request waits,
// and a request that triggered the 401 retries exactly once afterwards.
type httpClient struct {
	config Config
	doer   HTTPDoer
	users  *ActiveUserStore
	logger *slog.Logger

	refreshMu   sync.Mutex
	refreshing  chan struct{}
	refreshErr  error
	refreshSeq  uint64
	onLoggedOut []func()
}

func newHTTPClient(cfg Config, users *ActiveUserStore) *httpClient {
	return &httpClient{
		config: cfg,
		doer:   cfg.HTTPClient,
		users:  users,
		logger: cfg.Logger,
	}
}

// OnSessionInvalidated registers a callback fired when a failed refresh logs
// the active user out.
func (c *httpClient) OnSessionInvalidated(fn func()) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	c.onLoggedOut = append(c.onLoggedOut, fn)
}

// Execute runs a request through the refresh gate, dispatches it, and maps
// the response into either data or a typed error.
func (c *httpClient) Execute(ctx context.Context, req *request) (*response, error) {
	if err := c.waitForRefresh(ctx); err != nil {
		return nil, err
	}

	seqBefore := c.currentRefreshSeq()
	resp, err := c.dispatch(ctx, req)
	if err == nil {
		return resp, nil
	}

	if kindOf(err) == KindInvalidCredentials && req.retry && req.auth.usesSession() {
		// Skip the refresh when someone else completed one after this
		// request was dispatched; the retry picks up the new token.
		if c.currentRefreshSeq() == seqBefore {
			if refreshErr := c.refresh(ctx); refreshErr != nil {
				return nil, err
			}
		}
		req.retry = false
		return c.Execute(ctx, req)
	}
	return nil, err
}

func (c *httpClient) currentRefreshSeq() uint64 {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshSeq
}

// dispatch performs one HTTP round trip.
func (c *httpClient) dispatch(ctx context.Context, req *request) (*response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	httpReq, err := c.buildHTTPRequest(reqCtx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, wrapError(KindNoResponse, err, "reading response body")
	}

	resp := &response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Data:       body,
	}
	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return resp, nil
	}
	return nil, mapResponseError(resp)
}

func (c *httpClient) buildHTTPRequest(ctx context.Context, req *request) (*http.Request, error) {
	host := req.host
	if host == "" {
		host = c.config.BaaSHost
	}
	u := host + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var body io.Reader
	contentType := contentTypeJSON
	if req.form != nil {
		body = strings.NewReader(req.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, wrapError(KindKinvey, err, "encoding request body")
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return nil, wrapError(KindKinvey, err, "building request")
	}

	httpReq.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set(headerAPIVersion, fmt.Sprintf("%d", c.config.APIVersion))
	if c.config.SkipBusinessLogic {
		httpReq.Header.Set(headerSkipBL, "true")
	}
	if c.config.ClientAppVersion != "" {
		httpReq.Header.Set(headerClientAppVersion, c.config.ClientAppVersion)
	}
	if len(c.config.CustomRequestProperties) > 0 {
		serialized, err := json.Marshal(c.config.CustomRequestProperties)
		if err != nil {
			return nil, wrapError(KindKinvey, err, "encoding custom request properties")
		}
		if len(serialized) >= maxCustomPropertiesBytes {
			return nil, newError(KindKinvey, "custom request properties exceed %d bytes when serialized", maxCustomPropertiesBytes)
		}
		httpReq.Header.Set(headerCustomProperties, string(serialized))
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	authHeader, err := c.authorizationHeader(ctx, req.auth)
	if err != nil {
		return nil, err
	}
	if authHeader != "" {
		httpReq.Header.Set("Authorization", authHeader)
	}
	return httpReq, nil
}

// waitForRefresh pauses the caller while a token refresh is in flight.
func (c *httpClient) waitForRefresh(ctx context.Context) error {
	c.refreshMu.Lock()
	gate := c.refreshing
	c.refreshMu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		c.refreshMu.Lock()
		err := c.refreshErr
		c.refreshMu.Unlock()
		if err != nil {
			return newError(KindInvalidCredentials, "session refresh failed")
		}
		return nil
	case <-ctx.Done():
		return wrapError(KindTimeout, ctx.Err(), "waiting for session refresh")
	}
}

// refresh performs the MIC refresh exactly once per 401 storm: the first
// caller executes it, every concurrent caller waits on the gate and shares
// the outcome.
func (c *httpClient) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	if gate := c.refreshing; gate != nil {
		c.refreshMu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return wrapError(KindTimeout, ctx.Err(), "waiting for session refresh")
		}
		c.refreshMu.Lock()
		defer c.refreshMu.Unlock()
		return c.refreshErr
	}
	gate := make(chan struct{})
	c.refreshing = gate
	c.refreshMu.Unlock()

	err := c.doRefresh(ctx)

	c.refreshMu.Lock()
	c.refreshErr = err
	c.refreshing = nil
	if err == nil {
		c.refreshSeq++
	}
	callbacks := append([]func(){}, c.onLoggedOut...)
	c.refreshMu.Unlock()
	close(gate)

	if err != nil {
		c.logger.Warn("session refresh failed; logging out active user", "error", err)
		if clearErr := c.users.Clear(ctx); clearErr != nil {
			c.logger.Warn("clearing active user failed", "error", clearErr)
		}
		for _, fn := range callbacks {
			fn()
		}
	}
	return err
}

// doRefresh exchanges the active user's refresh token at the MIC endpoint
// and re-logs the user in to obtain a fresh session token.
func (c *httpClient) doRefresh(ctx context.Context) error {
	user, err := c.users.Get(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		return newError(KindNoActiveUser, "no active user to refresh")
	}
	session := user.micSession()
	if session == nil {
		return newError(KindInvalidCredentials, "active user has no MIC session to refresh")
	}
	refreshToken, _ := session["refresh_token"].(string)
	if refreshToken == "" {
		return newError(KindInvalidGrant, "active user session has no refresh token")
	}
	clientID, _ := session["client_id"].(string)
	if clientID == "" {
		clientID = c.config.MICClientID
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("refresh_token", refreshToken)

	tokenReq := &request{
		method: http.MethodPost,
		host:   c.config.AuthHost,
		path:   "/oauth/token",
		form:   form,
		auth:   AuthBasic,
	}
	tokenResp, err := c.dispatch(ctx, tokenReq)
	if err != nil {
		if kindOf(err) == KindInvalidCredentials {
			return wrapError(KindInvalidGrant, err, "refresh token rejected")
		}
		return err
	}

	var tokens map[string]any
	if err := tokenResp.decode(&tokens); err != nil {
		return wrapError(KindInvalidGrant, err, "decoding token response")
	}

	// Log back in with the refreshed social identity so the backend issues a
	// new session token.
	identity := map[string]any{
		"_socialIdentity": map[string]any{
			micIdentityKey: mergeSession(session, tokens),
		},
	}
	loginReq := &request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/user/%s/login", c.config.AppKey),
		body:   identity,
		auth:   AuthApp,
	}
	loginResp, err := c.dispatch(ctx, loginReq)
	if err != nil {
		return err
	}
	var refreshed Entity
	if err := loginResp.decode(&refreshed); err != nil {
		return wrapError(KindInvalidCredentials, err, "decoding login response")
	}
	return c.users.Set(ctx, refreshed)
}

func mergeSession(session map[string]any, tokens map[string]any) map[string]any {
	merged := make(map[string]any, len(session)+len(tokens))
	for k, v := range session {
		merged[k] = v
	}
	for k, v := range tokens {
		merged[k] = v
	}
	return merged
}

// mapTransportError converts transport failures into typed errors.
func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(KindTimeout, err, "request exceeded timeout")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapError(KindTimeout, err, "request exceeded timeout")
	}
	return wrapError(KindNoResponse, err, "transport error")
}

// mapResponseError converts a non-2xx response into a typed error per the
// backend's error-name contract.
func mapResponseError(resp *response) error {
	var body backendError
	_ = json.Unmarshal(resp.Data, &body)

	kind := KindKinvey
	switch body.Name {
	case "InvalidCredentials":
		kind = KindInvalidCredentials
	case "InvalidGrant":
		kind = KindInvalidGrant
	case "EntityNotFound", "CollectionNotFound", "UserNotFound", "BlobNotFound", "NotFound":
		kind = KindNotFound
	case "MissingConfiguration":
		kind = KindMissingConfiguration
	case "FeatureUnavailable", "ParameterValueOutOfRange", "ResultSetSizeExceeded":
		// The delta-set since token is stale or unusable.
		kind = KindInvalidCachedQuery
	case "KinveyInternalErrorRetry", "KinveyInternalErrorStop":
		kind = KindServerError
	default:
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			kind = KindInvalidCredentials
		case resp.StatusCode == http.StatusNotFound:
			kind = KindNotFound
		case resp.StatusCode >= 500:
			kind = KindServerError
		}
	}

	message := body.Description
	if message == "" {
		message = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}
	return &Error{
		Kind:       kind,
		Message:    message,
		Debug:      body.Debug,
		StatusCode: resp.StatusCode,
	}
}
