package kinvey

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
)

// tagPattern constrains store tags to filesystem- and key-safe names.
var tagPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Client is the root of the SDK: it owns the shared components — offline
// repository, sync state, query cache, authenticated transport — and mints
// DataStore handles over them. One Client per (appKey, persister); all stores
// minted from it share local state.
type Client struct {
	config      Config
	persister   KeyValuePersister
	users       *ActiveUserStore
	http        *httpClient
	offline     *OfflineRepository
	syncState   *SyncStateManager
	queryCache  *QueryCache
	network     *NetworkRepository
	syncManager *SyncManager
	logger      *slog.Logger
}

// NewClient wires a Client from a Config and a persister. A nil persister
// falls back to an in-memory one.
func NewClient(cfg Config, persister KeyValuePersister) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if persister == nil {
		persister = NewMemoryPersister()
	}

	users := NewActiveUserStore(cfg.AppKey, persister)
	transport := newHTTPClient(cfg, users)
	offline := NewOfflineRepository(cfg.AppKey, persister, cfg.Logger)
	state := NewSyncStateManager(offline)
	queryCache := NewQueryCache(offline)
	network := NewNetworkRepository(cfg.AppKey, transport)

	return &Client{
		config:      cfg,
		persister:   persister,
		users:       users,
		http:        transport,
		offline:     offline,
		syncState:   state,
		queryCache:  queryCache,
		network:     network,
		syncManager: NewSyncManager(cfg, offline, state, queryCache, network),
		logger:      cfg.Logger,
	}, nil
}

// Collection mints a DataStore over the named backend collection in the
// given mode. Options are optional.
func (c *Client) Collection(name string, mode StoreMode, opts *StoreOptions) (*DataStore, error) {
	if name == "" {
		return nil, newError(KindKinvey, "a collection name is required")
	}
	options := StoreOptions{}
	if opts != nil {
		options = *opts
	}
	ref := collectionRef{api: name, cache: name}
	if options.Tag != "" {
		if !tagPattern.MatchString(options.Tag) {
			return nil, newError(KindKinvey, "tag %q is invalid: only letters, digits, and dashes are allowed", options.Tag)
		}
		ref.cache = name + "." + options.Tag
	}

	store := &DataStore{
		client:  c,
		mode:    mode,
		ref:     ref,
		options: options,
	}
	reads := readOptions{FileTTL: options.FileTTL, FileTLS: options.FileTLS}
	switch mode {
	case ModeNetwork:
		store.processor = &networkDataProcessor{ref: ref, network: c.network, reads: reads}
	case ModeSync:
		store.processor = &syncDataProcessor{ref: ref, repo: c.offline, state: c.syncState}
	case ModeCache:
		store.processor = newCacheDataProcessor(ref, c.offline, c.syncState, c.network, c.syncManager, options.pullOptions(), c.logger)
	default:
		return nil, newError(KindKinvey, "unknown store mode %d", int(mode))
	}
	return store, nil
}

// ClearCache empties every collection belonging to this app — entities, sync
// state, and query-cache marks — preserving only the active user. The next
// delta-set pull falls back to a full fetch.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.offline.Clear(ctx, "")
}

// Ping probes backend reachability with app credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.http.Execute(ctx, &request{
		method: http.MethodGet,
		path:   "/appdata/" + c.config.AppKey,
		auth:   AuthApp,
	})
	return err
}

// ActiveUser returns the logged-in user, or nil.
func (c *Client) ActiveUser(ctx context.Context) (Entity, error) {
	return c.users.Get(ctx)
}

// SetActiveUser stores the logged-in user. The caller obtains the user
// entity from its login flow; the SDK only attaches its session token.
func (c *Client) SetActiveUser(ctx context.Context, user Entity) error {
	return c.users.Set(ctx, user)
}

// Logout clears the active user.
func (c *Client) Logout(ctx context.Context) error {
	return c.users.Clear(ctx)
}

// OnSessionInvalidated registers a callback fired when a failed token
// refresh logs the active user out.
func (c *Client) OnSessionInvalidated(fn func()) {
	c.http.OnSessionInvalidated(fn)
}
