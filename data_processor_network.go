package kinvey

import "context"

// networkDataProcessor sends every operation to the backend. It has no local
// side effects.
type networkDataProcessor struct {
	ref     collectionRef
	network *NetworkRepository
	reads   readOptions
}

var _ dataProcessor = (*networkDataProcessor)(nil)

func (p *networkDataProcessor) find(ctx context.Context, query *Query) *ReadStream {
	entities, _, err := p.network.Read(ctx, p.ref.api, query, p.reads)
	if err != nil {
		return failedStream(err)
	}
	return resolvedStream(ReadResult{Source: SourceNetwork, Entities: entities})
}

func (p *networkDataProcessor) findByID(ctx context.Context, id string) *ReadStream {
	entity, err := p.network.ReadByID(ctx, p.ref.api, id)
	if err != nil {
		return failedStream(err)
	}
	return resolvedStream(ReadResult{Source: SourceNetwork, Entity: entity})
}

func (p *networkDataProcessor) count(ctx context.Context, query *Query) *ReadStream {
	n, _, err := p.network.Count(ctx, p.ref.api, query)
	if err != nil {
		return failedStream(err)
	}
	return resolvedStream(ReadResult{Source: SourceNetwork, Count: n})
}

func (p *networkDataProcessor) group(ctx context.Context, agg *Aggregation) *ReadStream {
	groups, err := p.network.Group(ctx, p.ref.api, agg)
	if err != nil {
		return failedStream(err)
	}
	return resolvedStream(ReadResult{Source: SourceNetwork, Groups: groups})
}

func (p *networkDataProcessor) create(ctx context.Context, entities []Entity) ([]Entity, error) {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		created, err := p.network.Create(ctx, p.ref.api, e)
		if err != nil {
			return out, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (p *networkDataProcessor) update(ctx context.Context, entity Entity) (Entity, error) {
	return p.network.Update(ctx, p.ref.api, entity)
}

func (p *networkDataProcessor) remove(ctx context.Context, query *Query) (int, error) {
	return p.network.Delete(ctx, p.ref.api, query)
}

func (p *networkDataProcessor) removeByID(ctx context.Context, id string) (int, error) {
	return p.network.DeleteByID(ctx, p.ref.api, id)
}

func (p *networkDataProcessor) clear(ctx context.Context, query *Query) (int, error) {
	return 0, newError(KindKinvey, "clear is not supported on a network store")
}
