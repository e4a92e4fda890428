package kinvey

import (
	"context"
)

// StoreMode selects how a DataStore dispatches its operations.
type StoreMode int

const (
	// ModeNetwork sends every operation to the backend.
	ModeNetwork StoreMode = iota
	// ModeCache serves from the offline cache and reconciles with the
	// backend.
	ModeCache
	// ModeSync keeps every operation local until an explicit push.
	ModeSync
)

func (m StoreMode) String() string {
	switch m {
	case ModeNetwork:
		return "network"
	case ModeCache:
		return "cache"
	case ModeSync:
		return "sync"
	default:
		return "unknown"
	}
}

// StoreOptions tune a DataStore produced by Client.Collection.
type StoreOptions struct {
	// Tag partitions the collection's local cache; tagged stores keep
	// independent sync and query-cache state.
	Tag string
	// UseDeltaSet enables delta-set pulls once a high-water mark exists.
	UseDeltaSet bool
	// AutoPagination splits pulls into concurrent page fetches.
	AutoPagination bool
	// PageSize overrides DefaultPageSize for auto-pagination.
	PageSize int
	// FileTTL is forwarded on reads as kinveyfile_ttl when positive.
	FileTTL int
	// FileTLS is forwarded on reads as kinveyfile_tls when true.
	FileTLS bool
}

func (o StoreOptions) pullOptions() PullOptions {
	return PullOptions{
		UseDeltaSet:    o.UseDeltaSet,
		AutoPagination: o.AutoPagination,
		PageSize:       o.PageSize,
		FileTTL:        o.FileTTL,
		FileTLS:        o.FileTLS,
	}
}

// DataStore is the public handle over one collection in one mode. Handles
// are cheap; concurrent handles over the same (collection, tag) share the
// offline cache and sync state.
type DataStore struct {
	client    *Client
	mode      StoreMode
	ref       collectionRef
	options   StoreOptions
	processor dataProcessor
}

// Collection returns the store's backend collection name.
func (s *DataStore) Collection() string { return s.ref.api }

// Mode returns the store's dispatch mode.
func (s *DataStore) Mode() StoreMode { return s.mode }

// Find streams the entities matching query: one resolution for Network and
// Sync stores, cache-then-network for Cache stores.
func (s *DataStore) Find(ctx context.Context, query *Query) *ReadStream {
	return s.processor.find(ctx, query)
}

// FindByID streams one entity by id.
func (s *DataStore) FindByID(ctx context.Context, id string) *ReadStream {
	if id == "" {
		return failedStream(newError(KindKinvey, "findById requires an id"))
	}
	return s.processor.findByID(ctx, id)
}

// Count streams the number of entities matching query.
func (s *DataStore) Count(ctx context.Context, query *Query) *ReadStream {
	return s.processor.count(ctx, query)
}

// Group streams the aggregation's result rows.
func (s *DataStore) Group(ctx context.Context, agg *Aggregation) *ReadStream {
	if agg == nil {
		return failedStream(newError(KindKinvey, "group requires an aggregation"))
	}
	return s.processor.group(ctx, agg)
}

// Create persists one entity and returns the persisted form: the server's
// version for Network stores, the local version for Sync stores (an entity
// without an _id gets a minted id and _kmd.local), and whichever the opportunistic push
// produced for Cache stores.
func (s *DataStore) Create(ctx context.Context, entity Entity) (Entity, error) {
	if entity == nil {
		return nil, newError(KindKinvey, "create requires an entity")
	}
	out, err := s.processor.create(ctx, []Entity{entity})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// CreateMany persists a batch of entities.
func (s *DataStore) CreateMany(ctx context.Context, entities []Entity) ([]Entity, error) {
	if len(entities) == 0 {
		return []Entity{}, nil
	}
	return s.processor.create(ctx, entities)
}

// Update persists changes to an existing entity. The entity must carry an
// _id.
func (s *DataStore) Update(ctx context.Context, entity Entity) (Entity, error) {
	if entity == nil || entity.ID() == "" {
		return nil, newError(KindKinvey, "update requires an entity with an _id")
	}
	return s.processor.update(ctx, entity)
}

// Save dispatches to Create or Update based on _id presence.
func (s *DataStore) Save(ctx context.Context, entity Entity) (Entity, error) {
	if entity != nil && entity.ID() != "" {
		return s.Update(ctx, entity)
	}
	return s.Create(ctx, entity)
}

// Remove deletes the entities matching query and returns the count.
func (s *DataStore) Remove(ctx context.Context, query *Query) (int, error) {
	return s.processor.remove(ctx, query)
}

// RemoveByID deletes one entity. An empty id is a no-op returning 0.
func (s *DataStore) RemoveByID(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, nil
	}
	return s.processor.removeByID(ctx, id)
}

// Push sends pending local mutations to the backend. Cache and Sync modes
// only.
func (s *DataStore) Push(ctx context.Context, query *Query) ([]PushResult, error) {
	if s.mode == ModeNetwork {
		return nil, newError(KindKinvey, "push is not supported on a network store")
	}
	return s.client.syncManager.Push(ctx, s.ref, query)
}

// Pull fetches entities from the backend into the offline cache. Cache and
// Sync modes only. A nil opts uses the store's options.
func (s *DataStore) Pull(ctx context.Context, query *Query, opts *PullOptions) (int, error) {
	if s.mode == ModeNetwork {
		return 0, newError(KindKinvey, "pull is not supported on a network store")
	}
	pullOpts := s.options.pullOptions()
	if opts != nil {
		pullOpts = *opts
	}
	return s.client.syncManager.Pull(ctx, s.ref, query, pullOpts)
}

// Sync pushes then pulls, returning both outcomes.
func (s *DataStore) Sync(ctx context.Context, query *Query, opts *PullOptions) (*SyncResult, error) {
	if s.mode == ModeNetwork {
		return nil, newError(KindKinvey, "sync is not supported on a network store")
	}
	pullOpts := s.options.pullOptions()
	if opts != nil {
		pullOpts = *opts
	}
	return s.client.syncManager.Sync(ctx, s.ref, query, pullOpts)
}

// PendingSyncCount reports how many sync items the query addresses.
func (s *DataStore) PendingSyncCount(ctx context.Context, query *Query) (int, error) {
	items, err := s.client.syncManager.pendingItems(ctx, s.ref, query)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// PendingSyncEntities returns the sync items the query addresses.
func (s *DataStore) PendingSyncEntities(ctx context.Context, query *Query) ([]SyncItem, error) {
	return s.client.syncManager.pendingItems(ctx, s.ref, query)
}

// ClearSync discards the sync items the query addresses without pushing
// them.
func (s *DataStore) ClearSync(ctx context.Context, query *Query) error {
	state := s.client.syncState
	if query == nil || query.Filter == nil {
		return state.RemoveAllSyncItems(ctx, s.ref.cache)
	}
	items, err := s.client.syncManager.pendingItems(ctx, s.ref, query)
	if err != nil {
		return err
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.EntityID
	}
	return state.RemoveSyncItemsForIds(ctx, s.ref.cache, ids)
}

// Clear deletes matching entities from the offline cache along with their
// pending intents; Cache mode also drops the collection's query-cache marks.
func (s *DataStore) Clear(ctx context.Context, query *Query) (int, error) {
	return s.processor.clear(ctx, query)
}
