package kinvey

import (
	"context"
	"sync"
)

// ReadSource identifies which phase of a read produced a result.
type ReadSource int

const (
	// SourceCache marks a result served from the offline cache.
	SourceCache ReadSource = iota
	// SourceNetwork marks a result reflecting the backend.
	SourceNetwork
)

func (s ReadSource) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// ReadResult is one resolution of a read operation. The populated field
// depends on the operation: Entities for find, Entity for findById, Count for
// count, Groups for group.
type ReadResult struct {
	Source   ReadSource
	Entities []Entity
	Entity   Entity
	Count    int
	Groups   []Entity
}

// ReadStream delivers the successive resolutions of a read. Network and Sync
// stores resolve once; Cache stores resolve up to twice, the cached value
// strictly before the network-refreshed one. The stream closes after the last
// resolution; Err reports a terminal failure.
type ReadStream struct {
	ch chan ReadResult

	mu  sync.Mutex
	err error
}

// readStreamBuffer holds the most resolutions any mode emits, so producers
// never block on a slow consumer.
const readStreamBuffer = 2

func newReadStream() *ReadStream {
	return &ReadStream{ch: make(chan ReadResult, readStreamBuffer)}
}

func (s *ReadStream) emit(r ReadResult) {
	s.ch <- r
}

func (s *ReadStream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

func (s *ReadStream) finish() {
	close(s.ch)
}

// Next returns the stream's next resolution. ok is false once the stream is
// exhausted or ctx is done; check Err afterwards.
func (s *ReadStream) Next(ctx context.Context) (ReadResult, bool) {
	select {
	case r, ok := <-s.ch:
		return r, ok
	case <-ctx.Done():
		s.mu.Lock()
		if s.err == nil {
			s.err = ctx.Err()
		}
		s.mu.Unlock()
		return ReadResult{}, false
	}
}

// Err returns the stream's terminal error, if any.
func (s *ReadStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Final drains the stream and returns its last resolution, which for a Cache
// store is the network-refreshed value when the network phase ran.
func (s *ReadStream) Final(ctx context.Context) (ReadResult, error) {
	var (
		last ReadResult
		seen bool
	)
	for {
		r, ok := s.Next(ctx)
		if !ok {
			break
		}
		last, seen = r, true
	}
	if err := s.Err(); err != nil {
		return ReadResult{}, err
	}
	if !seen {
		return ReadResult{}, newError(KindKinvey, "read produced no result")
	}
	return last, nil
}

// resolvedStream returns an already-completed single-resolution stream.
func resolvedStream(r ReadResult) *ReadStream {
	s := newReadStream()
	s.emit(r)
	s.finish()
	return s
}

// failedStream returns an already-failed stream.
func failedStream(err error) *ReadStream {
	s := newReadStream()
	s.fail(err)
	return s
}

// dataProcessor routes a store's operations according to its mode. Network
// processors touch only the backend; Sync processors touch only local state;
// Cache processors serve locally and reconcile with the backend.
type dataProcessor interface {
	find(ctx context.Context, query *Query) *ReadStream
	findByID(ctx context.Context, id string) *ReadStream
	count(ctx context.Context, query *Query) *ReadStream
	group(ctx context.Context, agg *Aggregation) *ReadStream
	create(ctx context.Context, entities []Entity) ([]Entity, error)
	update(ctx context.Context, entity Entity) (Entity, error)
	remove(ctx context.Context, query *Query) (int, error)
	removeByID(ctx context.Context, id string) (int, error)
	clear(ctx context.Context, query *Query) (int, error)
}
