package kinvey

import (
	"context"
	"log/slog"
	"strings"
)

// Reserved collection names within an app's persisted namespace.
const (
	// queryCacheCollection stores delta-set high-water marks.
	queryCacheCollection = "_QueryCache"
	// syncCollection stores pending sync items.
	syncCollection = "kinvey_sync"
	// activeUserKey stores the serialized active user. Preserved across
	// app-wide clears.
	activeUserKey = "active_user"
)

// OfflineRepository is the local entity cache: per-collection CRUD plus
// in-memory query and aggregation evaluation over a KeyValuePersister.
// Mutations for the same collection are serialized through a PromiseQueue;
// reads bypass the queue and see the last-written value.
type OfflineRepository struct {
	appKey    string
	persister KeyValuePersister
	queue     *PromiseQueue
	logger    *slog.Logger
}

// NewOfflineRepository creates a repository over the given persister.
func NewOfflineRepository(appKey string, persister KeyValuePersister, logger *slog.Logger) *OfflineRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineRepository{
		appKey:    appKey,
		persister: persister,
		queue:     NewPromiseQueue(),
		logger:    logger,
	}
}

// key returns the fully qualified persister key for a collection.
func (r *OfflineRepository) key(collection string) string {
	return r.appKey + "." + collection
}

// load reads a collection's entity array. Missing collections read as empty.
func (r *OfflineRepository) load(ctx context.Context, collection string) ([]Entity, error) {
	data, err := r.persister.Get(ctx, r.key(collection))
	if err != nil {
		return nil, err
	}
	return decodeEntities(data)
}

// store writes a collection's entity array.
func (r *OfflineRepository) store(ctx context.Context, collection string, entities []Entity) error {
	data, err := encodeEntities(entities)
	if err != nil {
		return err
	}
	return r.persister.Set(ctx, r.key(collection), data)
}

// Create appends entities to the collection and returns them unchanged.
func (r *OfflineRepository) Create(ctx context.Context, collection string, entities []Entity) ([]Entity, error) {
	if len(entities) == 0 {
		return entities, nil
	}
	err := r.queue.Enqueue(ctx, r.key(collection), func() error {
		existing, err := r.load(ctx, collection)
		if err != nil {
			return err
		}
		return r.store(ctx, collection, append(existing, entities...))
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// Read returns the entities matching query, in query order. A nil query
// returns the whole collection.
func (r *OfflineRepository) Read(ctx context.Context, collection string, query *Query) ([]Entity, error) {
	entities, err := r.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	return query.run(entities), nil
}

// ReadByID returns one entity or a NotFound error.
func (r *OfflineRepository) ReadByID(ctx context.Context, collection, id string) (Entity, error) {
	entities, err := r.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.ID() == id {
			return e, nil
		}
	}
	return nil, newError(KindNotFound, "entity %q not found in collection %q", id, collection)
}

// Count returns the number of entities matching query.
func (r *OfflineRepository) Count(ctx context.Context, collection string, query *Query) (int, error) {
	entities, err := r.load(ctx, collection)
	if err != nil {
		return 0, err
	}
	if query == nil || query.Filter == nil {
		return len(entities), nil
	}
	n := 0
	for _, e := range entities {
		if query.matches(e) {
			n++
		}
	}
	return n, nil
}

// Update upserts entities by _id and returns them unchanged.
func (r *OfflineRepository) Update(ctx context.Context, collection string, entities []Entity) ([]Entity, error) {
	if len(entities) == 0 {
		return entities, nil
	}
	err := r.queue.Enqueue(ctx, r.key(collection), func() error {
		existing, err := r.load(ctx, collection)
		if err != nil {
			return err
		}
		index := make(map[string]int, len(existing))
		for i, e := range existing {
			index[e.ID()] = i
		}
		for _, e := range entities {
			if i, ok := index[e.ID()]; ok {
				existing[i] = e
			} else {
				index[e.ID()] = len(existing)
				existing = append(existing, e)
			}
		}
		return r.store(ctx, collection, existing)
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// Delete removes the entities matching query and returns how many were
// removed. A nil query removes the whole collection.
func (r *OfflineRepository) Delete(ctx context.Context, collection string, query *Query) (int, error) {
	deleted := 0
	err := r.queue.Enqueue(ctx, r.key(collection), func() error {
		existing, err := r.load(ctx, collection)
		if err != nil {
			return err
		}
		if query == nil || query.Filter == nil {
			deleted = len(existing)
			return r.persister.Delete(ctx, r.key(collection))
		}
		kept := existing[:0]
		for _, e := range existing {
			if query.matches(e) {
				deleted++
			} else {
				kept = append(kept, e)
			}
		}
		return r.store(ctx, collection, kept)
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DeleteByID removes one entity by id, returning 0 or 1.
func (r *OfflineRepository) DeleteByID(ctx context.Context, collection, id string) (int, error) {
	deleted := 0
	err := r.queue.Enqueue(ctx, r.key(collection), func() error {
		existing, err := r.load(ctx, collection)
		if err != nil {
			return err
		}
		kept := existing[:0]
		for _, e := range existing {
			if e.ID() == id {
				deleted++
			} else {
				kept = append(kept, e)
			}
		}
		return r.store(ctx, collection, kept)
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Clear removes a single collection, or, when collection is empty, every
// collection belonging to this app except the active-user slot.
func (r *OfflineRepository) Clear(ctx context.Context, collection string) error {
	if collection != "" {
		return r.queue.Enqueue(ctx, r.key(collection), func() error {
			return r.persister.Delete(ctx, r.key(collection))
		})
	}
	keys, err := r.persister.Keys(ctx, r.appKey+".")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.TrimPrefix(key, r.appKey+".") == activeUserKey {
			continue
		}
		key := key
		if err := r.queue.Enqueue(ctx, key, func() error {
			return r.persister.Delete(ctx, key)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Group evaluates the aggregation against the collection locally.
func (r *OfflineRepository) Group(ctx context.Context, collection string, agg *Aggregation) ([]Entity, error) {
	if agg == nil {
		return nil, newError(KindKinvey, "group: aggregation is required")
	}
	entities, err := r.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	return agg.evaluate(entities), nil
}
