package kinvey

import (
	"context"
	"log/slog"
	"sync"
)

// collectionRef names a collection on both sides of the sync boundary: api is
// the backend collection, cache is the tagged local partition.
type collectionRef struct {
	api   string
	cache string
}

// pushRegistry tracks in-flight pushes process-wide so concurrent stores over
// the same (appKey, collection) observe each other.
var pushRegistry = struct {
	mu     sync.Mutex
	active map[string]bool
}{active: make(map[string]bool)}

func acquirePush(appKey, collection string) bool {
	key := appKey + "." + collection
	pushRegistry.mu.Lock()
	defer pushRegistry.mu.Unlock()
	if pushRegistry.active[key] {
		return false
	}
	pushRegistry.active[key] = true
	return true
}

func releasePush(appKey, collection string) {
	pushRegistry.mu.Lock()
	defer pushRegistry.mu.Unlock()
	delete(pushRegistry.active, appKey+"."+collection)
}

// PushResult reports the outcome of pushing one SyncItem. ID is the entity id
// the item was recorded under (the local id for creates); Entity is the
// server's version on success; Err is the per-item failure, never raised.
type PushResult struct {
	ID        string        `json:"_id"`
	Operation SyncOperation `json:"operation"`
	Entity    Entity        `json:"entity,omitempty"`
	Err       error         `json:"-"`
}

// SyncResult is the combined outcome of a sync: the per-item push results and
// the number of entities pulled.
type SyncResult struct {
	Push []PushResult
	Pull int
}

// PullOptions tune a pull.
type PullOptions struct {
	// UseDeltaSet requests delta-set when a high-water mark exists.
	UseDeltaSet bool
	// AutoPagination splits the pull into concurrent page fetches.
	AutoPagination bool
	// PageSize overrides DefaultPageSize for auto-pagination.
	PageSize int
	// FileTTL and FileTLS are forwarded to read requests.
	FileTTL int
	FileTLS bool
}

func (o PullOptions) readOptions() readOptions {
	return readOptions{FileTTL: o.FileTTL, FileTLS: o.FileTLS}
}

// SyncManager orchestrates the push and pull pipelines between the offline
// repository and the backend. One instance exists per Client; push exclusion
// is process-wide per (appKey, collection).
type SyncManager struct {
	appKey  string
	config  Config
	repo    *OfflineRepository
	state   *SyncStateManager
	cache   *QueryCache
	network *NetworkRepository
	logger  *slog.Logger
}

// NewSyncManager wires a manager over the shared components.
func NewSyncManager(cfg Config, repo *OfflineRepository, state *SyncStateManager, cache *QueryCache, network *NetworkRepository) *SyncManager {
	return &SyncManager{
		appKey:  cfg.AppKey,
		config:  cfg,
		repo:    repo,
		state:   state,
		cache:   cache,
		network: network,
		logger:  cfg.Logger,
	}
}

// pendingItems selects the SyncItems a query addresses: all of the
// collection's items for a nil query, otherwise only items whose entity id
// appears in the query's offline result.
func (m *SyncManager) pendingItems(ctx context.Context, ref collectionRef, query *Query) ([]SyncItem, error) {
	if query == nil || query.Filter == nil {
		return m.state.GetSyncItems(ctx, ref.cache, nil)
	}
	entities, err := m.repo.Read(ctx, ref.cache, query)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID())
	}
	return m.state.GetSyncItems(ctx, ref.cache, ids)
}

// Push sends the collection's pending local mutations to the backend. At most
// one push runs per collection; a concurrent call fails with a Sync error.
// Item failures never abort the batch: they are reported on the per-item
// results and the items stay queued for the next push, except a Create or
// Update item whose entity is missing from the offline cache, which is dropped.
func (m *SyncManager) Push(ctx context.Context, ref collectionRef, query *Query) ([]PushResult, error) {
	if !acquirePush(m.appKey, ref.cache) {
		return nil, newError(KindSync, "a push is already in progress for collection %q", ref.cache)
	}
	defer releasePush(m.appKey, ref.cache)

	items, err := m.pendingItems(ctx, ref, query)
	if err != nil {
		return nil, err
	}
	return m.pushItems(ctx, ref, items)
}

// pushIDs pushes only the pending items recorded for the given entity ids.
// Unlike Push, the ids are matched against the sync log directly, so items
// whose entities are already gone locally (deletes) are still selected.
func (m *SyncManager) pushIDs(ctx context.Context, ref collectionRef, ids []string) ([]PushResult, error) {
	if !acquirePush(m.appKey, ref.cache) {
		return nil, newError(KindSync, "a push is already in progress for collection %q", ref.cache)
	}
	defer releasePush(m.appKey, ref.cache)

	items, err := m.state.GetSyncItems(ctx, ref.cache, ids)
	if err != nil {
		return nil, err
	}
	return m.pushItems(ctx, ref, items)
}

// pushItems runs the worker pool over the selected items.
func (m *SyncManager) pushItems(ctx context.Context, ref collectionRef, items []SyncItem) ([]PushResult, error) {
	if len(items) == 0 {
		return []PushResult{}, nil
	}

	results := make([]PushResult, len(items))
	limit := m.config.MaxConcurrentPushRequests
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item SyncItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = m.pushItem(ctx, ref, item)
		}(i, item)
	}
	wg.Wait()
	return results, nil
}

// pushItem pushes one pending mutation.
func (m *SyncManager) pushItem(ctx context.Context, ref collectionRef, item SyncItem) PushResult {
	result := PushResult{ID: item.EntityID, Operation: item.State.Operation}

	var entity Entity
	if item.State.Operation != SyncOperationDelete {
		var err error
		entity, err = m.repo.ReadByID(ctx, ref.cache, item.EntityID)
		if err != nil {
			if kindOf(err) == KindNotFound {
				// The entity vanished locally; the intent is unservable.
				if rmErr := m.state.RemoveSyncItemForEntityID(ctx, ref.cache, item.EntityID); rmErr != nil {
					m.logger.Warn("dropping orphaned sync item failed", "entityId", item.EntityID, "error", rmErr)
				}
			}
			result.Err = err
			return result
		}
	}

	switch item.State.Operation {
	case SyncOperationCreate:
		outbound := entity.Clone()
		if entity.IsLocal() {
			outbound.stripLocal()
		}
		created, err := m.network.Create(ctx, ref.api, outbound)
		if err != nil {
			result.Err = err
			return result
		}
		// Replace the local entity with the server's: the locally-minted id
		// dies here and the server id takes over.
		if _, err := m.repo.DeleteByID(ctx, ref.cache, item.EntityID); err != nil {
			result.Err = err
			return result
		}
		if _, err := m.repo.Update(ctx, ref.cache, []Entity{created}); err != nil {
			result.Err = err
			return result
		}
		result.Entity = created

	case SyncOperationUpdate:
		updated, err := m.network.Update(ctx, ref.api, entity)
		if err != nil {
			result.Err = err
			return result
		}
		if _, err := m.repo.Update(ctx, ref.cache, []Entity{updated}); err != nil {
			result.Err = err
			return result
		}
		result.Entity = updated

	case SyncOperationDelete:
		if _, err := m.network.DeleteByID(ctx, ref.api, item.EntityID); err != nil {
			// The backend not knowing the entity is as deleted as it gets.
			if kindOf(err) != KindNotFound {
				result.Err = err
				return result
			}
		}

	default:
		result.Err = newError(KindSync, "unknown sync operation %q", item.State.Operation)
		return result
	}

	if err := m.state.RemoveSyncItemForEntityID(ctx, ref.cache, item.EntityID); err != nil {
		result.Err = err
	}
	return result
}

// Pull fetches the query's entities from the backend into the offline cache.
// Pending sync items matching the query are pushed first (or fail the pull,
// per Config.PullPolicy). Returns the number of entities pulled.
func (m *SyncManager) Pull(ctx context.Context, ref collectionRef, query *Query, opts PullOptions) (int, error) {
	pending, err := m.pendingItems(ctx, ref, query)
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		if m.config.PullPolicy == PullPolicyError {
			return 0, newError(KindSync, "cannot pull: %d entities awaiting push in collection %q", len(pending), ref.cache)
		}
		if _, err := m.Push(ctx, ref, query); err != nil {
			return 0, err
		}
	}

	if opts.UseDeltaSet && !query.bounded() {
		cached, err := m.cache.Get(ctx, ref.cache, query)
		if err != nil {
			return 0, err
		}
		// A missing or empty high-water mark forces a full pull; an empty
		// since token is never sent.
		if cached != nil && cached.LastRequest != "" {
			return m.deltaPull(ctx, ref, query, opts, cached)
		}
	}
	if opts.AutoPagination {
		return m.paginatedPull(ctx, ref, query, opts)
	}
	return m.regularPull(ctx, ref, query, opts)
}

// Sync pushes and then pulls.
func (m *SyncManager) Sync(ctx context.Context, ref collectionRef, query *Query, opts PullOptions) (*SyncResult, error) {
	pushed, err := m.Push(ctx, ref, query)
	if err != nil {
		return nil, err
	}
	pulled, err := m.Pull(ctx, ref, query, opts)
	if err != nil {
		return &SyncResult{Push: pushed}, err
	}
	return &SyncResult{Push: pushed, Pull: pulled}, nil
}

// deltaPull fetches changes since the cached high-water mark. A rejected
// since token deletes the mark and retries as a full pull.
func (m *SyncManager) deltaPull(ctx context.Context, ref collectionRef, query *Query, opts PullOptions, cached *CachedQuery) (int, error) {
	delta, resp, err := m.network.DeltaSet(ctx, ref.api, cached.LastRequest, query)
	if err != nil {
		switch kindOf(err) {
		case KindInvalidCachedQuery:
			m.logger.Debug("delta-set since token rejected; falling back to full pull", "collection", ref.api)
			if delErr := m.cache.Delete(ctx, ref.cache, query); delErr != nil {
				return 0, delErr
			}
		case KindMissingConfiguration:
			m.logger.Debug("delta-set not configured; falling back to full pull", "collection", ref.api)
		default:
			return 0, err
		}
		if opts.AutoPagination {
			return m.paginatedPull(ctx, ref, query, opts)
		}
		return m.regularPull(ctx, ref, query, opts)
	}

	if err := applyDeltaSet(ctx, m.repo, ref.cache, delta); err != nil {
		return 0, err
	}
	if err := m.cache.Upsert(ctx, ref.cache, query, resp.RequestStart()); err != nil {
		return 0, err
	}
	return len(delta.Changed), nil
}

// regularPull fetches the query in one request. An unbounded query replaces
// the offline snapshot it covers; a bounded query only upserts, because a
// window must not orphan entities outside itself.
func (m *SyncManager) regularPull(ctx context.Context, ref collectionRef, query *Query, opts PullOptions) (int, error) {
	entities, resp, err := m.network.Read(ctx, ref.api, query, opts.readOptions())
	if err != nil {
		return 0, err
	}
	if !query.bounded() {
		if _, err := m.repo.Delete(ctx, ref.cache, query); err != nil {
			return 0, err
		}
	}
	if _, err := m.repo.Update(ctx, ref.cache, entities); err != nil {
		return 0, err
	}
	if err := m.cache.Upsert(ctx, ref.cache, query, resp.RequestStart()); err != nil {
		return 0, err
	}
	return len(entities), nil
}

// paginatedPull counts the result set, clears the offline collection, and
// fetches ceil(total/pageSize) pages concurrently. The count request's
// timestamp becomes the new high-water mark.
func (m *SyncManager) paginatedPull(ctx context.Context, ref collectionRef, query *Query, opts PullOptions) (int, error) {
	total, countResp, err := m.network.Count(ctx, ref.api, query)
	if err != nil {
		return 0, err
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	if _, err := m.repo.Delete(ctx, ref.cache, nil); err != nil {
		return 0, err
	}

	pageQuery := query.clone()
	if len(pageQuery.Sort) == 0 {
		// A stable order is required for the windows to tile.
		pageQuery.Sort = []SortField{{Field: fieldID, Order: Ascending}}
	}

	pages := (total + pageSize - 1) / pageSize
	limit := m.config.MaxConcurrentPullRequests
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fetched  int
		firstErr error
	)
	for page := 0; page < pages; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed {
				return
			}

			q := pageQuery.clone()
			q.Skip = page * pageSize
			q.Limit = pageSize
			entities, _, err := m.network.Read(ctx, ref.api, q, opts.readOptions())
			if err == nil {
				_, err = m.repo.Update(ctx, ref.cache, entities)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			fetched += len(entities)
		}(page)
	}
	wg.Wait()
	if firstErr != nil {
		return 0, firstErr
	}

	if err := m.cache.Upsert(ctx, ref.cache, query, countResp.RequestStart()); err != nil {
		return 0, err
	}
	return fetched, nil
}
