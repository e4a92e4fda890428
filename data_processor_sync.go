package kinvey

import "context"

// syncDataProcessor keeps every operation local. Mutations are recorded as
// pending intents; nothing reaches the backend until a push.
type syncDataProcessor struct {
	ref   collectionRef
	repo  *OfflineRepository
	state *SyncStateManager
}

var _ dataProcessor = (*syncDataProcessor)(nil)

func (p *syncDataProcessor) find(ctx context.Context, query *Query) *ReadStream {
	entities, err := p.repo.Read(ctx, p.ref.cache, query)
	if err != nil {
		return failedStream(err)
	}
	return resolvedStream(ReadResult{Source: SourceCache, Entities: entities})
}

func (p *syncDataProcessor) findByID(ctx context.Context, id string) *ReadStream {
	entity, err := p.repo.ReadByID(ctx, p.ref.cache, id)
	if err != nil {
		return failedStream(err)
	}
	return resolvedStream(ReadResult{Source: SourceCache, Entity: entity})
}

func (p *syncDataProcessor) count(ctx context.Context, query *Query) *ReadStream {
	n, err := p.repo.Count(ctx, p.ref.cache, query)
	if err != nil {
		return failedStream(err)
	}
	return resolvedStream(ReadResult{Source: SourceCache, Count: n})
}

func (p *syncDataProcessor) group(ctx context.Context, agg *Aggregation) *ReadStream {
	groups, err := p.repo.Group(ctx, p.ref.cache, agg)
	if err != nil {
		return failedStream(err)
	}
	return resolvedStream(ReadResult{Source: SourceCache, Groups: groups})
}

// create writes the entities locally and queues Create intents. Entities
// without an _id receive a locally-minted one and the _kmd.local stamp so the
// push can tell which ids must be rewritten by the server.
func (p *syncDataProcessor) create(ctx context.Context, entities []Entity) ([]Entity, error) {
	prepared := make([]Entity, len(entities))
	for i, e := range entities {
		prep := e.Clone()
		if prep.ID() == "" {
			prep.SetID(NewLocalID())
			prep.markLocal()
		}
		prepared[i] = prep
	}
	if _, err := p.repo.Create(ctx, p.ref.cache, prepared); err != nil {
		return nil, err
	}
	if err := p.state.AddCreate(ctx, p.ref.cache, prepared); err != nil {
		return nil, err
	}
	return prepared, nil
}

func (p *syncDataProcessor) update(ctx context.Context, entity Entity) (Entity, error) {
	if _, err := p.repo.Update(ctx, p.ref.cache, []Entity{entity}); err != nil {
		return nil, err
	}
	if err := p.state.AddUpdate(ctx, p.ref.cache, []Entity{entity}); err != nil {
		return nil, err
	}
	return entity, nil
}

func (p *syncDataProcessor) remove(ctx context.Context, query *Query) (int, error) {
	entities, err := p.repo.Read(ctx, p.ref.cache, query)
	if err != nil {
		return 0, err
	}
	for _, e := range entities {
		// AddDelete applies the merge table: a delete over a never-pushed
		// create drops both the intent and the offline entity.
		if err := p.state.AddDelete(ctx, p.ref.cache, []Entity{e}); err != nil {
			return 0, err
		}
		if _, err := p.repo.DeleteByID(ctx, p.ref.cache, e.ID()); err != nil {
			return 0, err
		}
	}
	return len(entities), nil
}

func (p *syncDataProcessor) removeByID(ctx context.Context, id string) (int, error) {
	entity, err := p.repo.ReadByID(ctx, p.ref.cache, id)
	if err != nil {
		return 0, err
	}
	if err := p.state.AddDelete(ctx, p.ref.cache, []Entity{entity}); err != nil {
		return 0, err
	}
	// The delete-over-create merge may have removed the entity already; the
	// caller still deleted exactly one entity.
	if _, err := p.repo.DeleteByID(ctx, p.ref.cache, id); err != nil {
		return 0, err
	}
	return 1, nil
}

// clear drops matching entities and their pending intents without touching
// the backend.
func (p *syncDataProcessor) clear(ctx context.Context, query *Query) (int, error) {
	entities, err := p.repo.Read(ctx, p.ref.cache, query)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID()
	}
	if query == nil || query.Filter == nil {
		if err := p.state.RemoveAllSyncItems(ctx, p.ref.cache); err != nil {
			return 0, err
		}
	} else if err := p.state.RemoveSyncItemsForIds(ctx, p.ref.cache, ids); err != nil {
		return 0, err
	}
	return p.repo.Delete(ctx, p.ref.cache, query)
}
