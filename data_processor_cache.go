package kinvey

import (
	"context"
	"log/slog"
)

// cacheDataProcessor serves reads from the offline cache immediately and
// reconciles with the backend in a second phase. Writes land locally first
// with a pending intent, then push opportunistically.
type cacheDataProcessor struct {
	ref     collectionRef
	repo    *OfflineRepository
	state   *SyncStateManager
	network *NetworkRepository
	sync    *SyncManager
	pull    PullOptions
	logger  *slog.Logger

	// local handles the cache-side half of every mutation.
	local syncDataProcessor
}

var _ dataProcessor = (*cacheDataProcessor)(nil)

func newCacheDataProcessor(ref collectionRef, repo *OfflineRepository, state *SyncStateManager, network *NetworkRepository, sync *SyncManager, pull PullOptions, logger *slog.Logger) *cacheDataProcessor {
	return &cacheDataProcessor{
		ref:     ref,
		repo:    repo,
		state:   state,
		network: network,
		sync:    sync,
		pull:    pull,
		logger:  logger,
		local:   syncDataProcessor{ref: ref, repo: repo, state: state},
	}
}

// networkPhase resolves the second value of a cache-mode read. A transient
// failure is suppressed so the cached value stands; auth and server errors
// surface.
func (p *cacheDataProcessor) networkPhase(stream *ReadStream, err error, resolve func() (ReadResult, error)) {
	if err != nil {
		if isTransient(err) {
			p.logger.Warn("network phase of cache read failed; serving cached value", "collection", p.ref.cache, "error", err)
			stream.finish()
			return
		}
		stream.fail(err)
		return
	}
	result, err := resolve()
	if err != nil {
		stream.fail(err)
		return
	}
	stream.emit(result)
	stream.finish()
}

func (p *cacheDataProcessor) find(ctx context.Context, query *Query) *ReadStream {
	stream := newReadStream()

	cached, err := p.repo.Read(ctx, p.ref.cache, query)
	if err != nil {
		p.logger.Warn("cache read failed; falling through to network", "collection", p.ref.cache, "error", err)
	} else {
		stream.emit(ReadResult{Source: SourceCache, Entities: cached})
	}

	go func() {
		entities, _, err := p.network.Read(ctx, p.ref.api, query, p.pull.readOptions())
		if err == nil {
			// The network result replaces the offline entities the query
			// covers; a bounded window only upserts so it cannot orphan
			// entities outside itself.
			if !query.bounded() {
				_, err = p.repo.Delete(ctx, p.ref.cache, query)
			}
			if err == nil {
				_, err = p.repo.Update(ctx, p.ref.cache, entities)
			}
		}
		p.networkPhase(stream, err, func() (ReadResult, error) {
			return ReadResult{Source: SourceNetwork, Entities: entities}, nil
		})
	}()
	return stream
}

func (p *cacheDataProcessor) findByID(ctx context.Context, id string) *ReadStream {
	stream := newReadStream()

	cached, err := p.repo.ReadByID(ctx, p.ref.cache, id)
	if err != nil {
		if kindOf(err) != KindNotFound {
			p.logger.Warn("cache read failed; falling through to network", "collection", p.ref.cache, "error", err)
		}
	} else {
		stream.emit(ReadResult{Source: SourceCache, Entity: cached})
	}

	go func() {
		entity, err := p.network.ReadByID(ctx, p.ref.api, id)
		if err == nil {
			_, err = p.repo.Update(ctx, p.ref.cache, []Entity{entity})
		}
		p.networkPhase(stream, err, func() (ReadResult, error) {
			return ReadResult{Source: SourceNetwork, Entity: entity}, nil
		})
	}()
	return stream
}

func (p *cacheDataProcessor) count(ctx context.Context, query *Query) *ReadStream {
	stream := newReadStream()

	cached, err := p.repo.Count(ctx, p.ref.cache, query)
	if err != nil {
		p.logger.Warn("cache count failed; falling through to network", "collection", p.ref.cache, "error", err)
	} else {
		stream.emit(ReadResult{Source: SourceCache, Count: cached})
	}

	go func() {
		n, _, err := p.network.Count(ctx, p.ref.api, query)
		p.networkPhase(stream, err, func() (ReadResult, error) {
			return ReadResult{Source: SourceNetwork, Count: n}, nil
		})
	}()
	return stream
}

func (p *cacheDataProcessor) group(ctx context.Context, agg *Aggregation) *ReadStream {
	stream := newReadStream()

	cached, err := p.repo.Group(ctx, p.ref.cache, agg)
	if err != nil {
		p.logger.Warn("cache aggregation failed; falling through to network", "collection", p.ref.cache, "error", err)
	} else {
		stream.emit(ReadResult{Source: SourceCache, Groups: cached})
	}

	go func() {
		groups, err := p.network.Group(ctx, p.ref.api, agg)
		p.networkPhase(stream, err, func() (ReadResult, error) {
			return ReadResult{Source: SourceNetwork, Groups: groups}, nil
		})
	}()
	return stream
}

// create writes locally with a Create intent, then pushes immediately. A
// successful push swaps in the server entity (rewriting the local id); a
// failed push leaves the intent queued and returns the local entity.
func (p *cacheDataProcessor) create(ctx context.Context, entities []Entity) ([]Entity, error) {
	created, err := p.local.create(ctx, entities)
	if err != nil {
		return nil, err
	}
	return p.pushAfterWrite(ctx, created), nil
}

func (p *cacheDataProcessor) update(ctx context.Context, entity Entity) (Entity, error) {
	updated, err := p.local.update(ctx, entity)
	if err != nil {
		return nil, err
	}
	out := p.pushAfterWrite(ctx, []Entity{updated})
	return out[0], nil
}

// pushAfterWrite opportunistically pushes the given entities' intents and
// substitutes the server entities for those that made it.
func (p *cacheDataProcessor) pushAfterWrite(ctx context.Context, entities []Entity) []Entity {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID()
	}
	results, err := p.sync.pushIDs(ctx, p.ref, ids)
	if err != nil {
		p.logger.Warn("opportunistic push failed; intents remain queued", "collection", p.ref.cache, "error", err)
		return entities
	}
	byID := make(map[string]PushResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	out := make([]Entity, len(entities))
	for i, e := range entities {
		if r, ok := byID[e.ID()]; ok && r.Err == nil && r.Entity != nil {
			out[i] = r.Entity
		} else {
			out[i] = e
		}
	}
	return out
}

func (p *cacheDataProcessor) remove(ctx context.Context, query *Query) (int, error) {
	entities, err := p.repo.Read(ctx, p.ref.cache, query)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID()
	}
	count, err := p.local.remove(ctx, query)
	if err != nil {
		return count, err
	}
	if _, err := p.sync.pushIDs(ctx, p.ref, ids); err != nil {
		p.logger.Warn("pushing deletions failed; intents remain queued", "collection", p.ref.cache, "error", err)
	}
	return count, nil
}

func (p *cacheDataProcessor) removeByID(ctx context.Context, id string) (int, error) {
	count, err := p.local.removeByID(ctx, id)
	if err != nil {
		return count, err
	}
	if _, err := p.sync.pushIDs(ctx, p.ref, []string{id}); err != nil {
		p.logger.Warn("pushing deletion failed; intent remains queued", "collection", p.ref.cache, "error", err)
	}
	return count, nil
}

// clear drops matching entities, their intents, and the collection's cached
// query marks. Purely local.
func (p *cacheDataProcessor) clear(ctx context.Context, query *Query) (int, error) {
	count, err := p.local.clear(ctx, query)
	if err != nil {
		return count, err
	}
	if err := p.sync.cache.DeleteCollection(ctx, p.ref.cache); err != nil {
		return count, err
	}
	return count, nil
}
