package kinvey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
)

// micIdentityKey is the slot within _socialIdentity that holds the MIC
// session.
const micIdentityKey = "kinveyAuth"

// AuthScheme selects the credential attached to a request's Authorization
// header.
type AuthScheme int

const (
	// AuthNone sends no Authorization header.
	AuthNone AuthScheme = iota
	// AuthApp uses base64(appKey:appSecret).
	AuthApp
	// AuthBasic is AuthApp under its wire name.
	AuthBasic
	// AuthClient uses base64(micClientID:appSecret).
	AuthClient
	// AuthMaster uses base64(appKey:masterSecret).
	AuthMaster
	// AuthSession uses the active user's session token.
	AuthSession
	// AuthDefault tries Session, then Master.
	AuthDefault
	// AuthAll tries Session, then App.
	AuthAll
)

func (s AuthScheme) String() string {
	switch s {
	case AuthNone:
		return "none"
	case AuthApp:
		return "app"
	case AuthBasic:
		return "basic"
	case AuthClient:
		return "client"
	case AuthMaster:
		return "master"
	case AuthSession:
		return "session"
	case AuthDefault:
		return "default"
	case AuthAll:
		return "all"
	default:
		return "unknown"
	}
}

// usesSession reports whether the scheme can resolve to a session token, and
// therefore whether a 401 should trigger the refresh flow.
func (s AuthScheme) usesSession() bool {
	switch s {
	case AuthSession, AuthDefault, AuthAll:
		return true
	}
	return false
}

// authorizationHeader resolves the scheme against the config and the active
// user.
func (c *httpClient) authorizationHeader(ctx context.Context, scheme AuthScheme) (string, error) {
	basic := func(id, secret string) string {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(id+":"+secret))
	}
	session := func() (string, error) {
		user, err := c.users.Get(ctx)
		if err != nil {
			return "", err
		}
		if user == nil {
			return "", newError(KindNoActiveUser, "session auth requested with no active user")
		}
		kmd := user.Metadata()
		token, _ := kmd[kmdAuthToken].(string)
		if token == "" {
			return "", newError(KindNoActiveUser, "active user has no session token")
		}
		return "Kinvey " + token, nil
	}

	switch scheme {
	case AuthNone:
		return "", nil
	case AuthApp, AuthBasic:
		return basic(c.config.AppKey, c.config.AppSecret), nil
	case AuthClient:
		return basic(c.config.MICClientID, c.config.AppSecret), nil
	case AuthMaster:
		return basic(c.config.AppKey, c.config.MasterSecret), nil
	case AuthSession:
		return session()
	case AuthDefault:
		if header, err := session(); err == nil {
			return header, nil
		}
		return basic(c.config.AppKey, c.config.MasterSecret), nil
	case AuthAll:
		if header, err := session(); err == nil {
			return header, nil
		}
		return basic(c.config.AppKey, c.config.AppSecret), nil
	default:
		return "", newError(KindKinvey, "unknown auth scheme %d", int(scheme))
	}
}

// micSession returns the user's MIC session from _socialIdentity, or nil.
func (e Entity) micSession() map[string]any {
	social, _ := e["_socialIdentity"].(map[string]any)
	if social == nil {
		return nil
	}
	session, _ := social[micIdentityKey].(map[string]any)
	return session
}

// ActiveUserStore persists the process's active user under the reserved
// active_user slot. The slot survives app-wide cache clears.
type ActiveUserStore struct {
	appKey    string
	persister KeyValuePersister

	mu     sync.RWMutex
	cached Entity
	loaded bool
}

// NewActiveUserStore creates a store over the given persister.
func NewActiveUserStore(appKey string, persister KeyValuePersister) *ActiveUserStore {
	return &ActiveUserStore{appKey: appKey, persister: persister}
}

func (s *ActiveUserStore) key() string {
	return s.appKey + "." + activeUserKey
}

// Get returns the active user, or nil when nobody is logged in.
func (s *ActiveUserStore) Get(ctx context.Context) (Entity, error) {
	s.mu.RLock()
	if s.loaded {
		defer s.mu.RUnlock()
		return s.cached, nil
	}
	s.mu.RUnlock()

	data, err := s.persister.Get(ctx, s.key())
	if err != nil {
		return nil, err
	}
	var user Entity
	if len(data) > 0 {
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	s.cached = user
	s.loaded = true
	s.mu.Unlock()
	return user, nil
}

// Set stores the active user.
func (s *ActiveUserStore) Set(ctx context.Context, user Entity) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if err := s.persister.Set(ctx, s.key(), data); err != nil {
		return err
	}
	s.mu.Lock()
	s.cached = user
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Clear logs the active user out.
func (s *ActiveUserStore) Clear(ctx context.Context) error {
	if err := s.persister.Delete(ctx, s.key()); err != nil {
		return err
	}
	s.mu.Lock()
	s.cached = nil
	s.loaded = true
	s.mu.Unlock()
	return nil
}
