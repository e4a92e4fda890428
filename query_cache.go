package kinvey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// CachedQuery records the server's high-water-mark timestamp for one
// (collection, query) pair. The timestamp is the backend's
// X-Kinvey-Request-Start header persisted verbatim; the client never derives
// it.
type CachedQuery struct {
	ID          string `json:"_id"`
	Collection  string `json:"collection"`
	Query       string `json:"query"`
	LastRequest string `json:"lastRequest"`
}

// QueryCache stores CachedQuery records in the reserved _QueryCache
// collection of the offline repository. At most one record exists per
// (collection, canonical query).
type QueryCache struct {
	repo *OfflineRepository
}

// NewQueryCache creates a query cache over the given repository.
func NewQueryCache(repo *OfflineRepository) *QueryCache {
	return &QueryCache{repo: repo}
}

// cachedQueryID derives the record id from the pair identity, which makes
// upserts naturally collapse to one record per pair.
func cachedQueryID(collection, canonicalQuery string) string {
	sum := sha256.Sum256([]byte(collection + "\x00" + canonicalQuery))
	return hex.EncodeToString(sum[:entityIDBytes])
}

// Get returns the record for (collection, query), or nil when absent.
func (c *QueryCache) Get(ctx context.Context, collection string, query *Query) (*CachedQuery, error) {
	id := cachedQueryID(collection, query.canonical())
	entity, err := c.repo.ReadByID(ctx, queryCacheCollection, id)
	if err != nil {
		if kindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return entityToCachedQuery(entity), nil
}

// Upsert records lastRequest for (collection, query).
func (c *QueryCache) Upsert(ctx context.Context, collection string, query *Query, lastRequest string) error {
	canonical := query.canonical()
	record := Entity{
		fieldID:       cachedQueryID(collection, canonical),
		"collection":  collection,
		"query":       canonical,
		"lastRequest": lastRequest,
	}
	_, err := c.repo.Update(ctx, queryCacheCollection, []Entity{record})
	return err
}

// Delete removes the record for (collection, query) if present.
func (c *QueryCache) Delete(ctx context.Context, collection string, query *Query) error {
	id := cachedQueryID(collection, query.canonical())
	_, err := c.repo.DeleteByID(ctx, queryCacheCollection, id)
	return err
}

// DeleteCollection removes every record for the collection.
func (c *QueryCache) DeleteCollection(ctx context.Context, collection string) error {
	q := NewQuery().EqualTo("collection", collection)
	_, err := c.repo.Delete(ctx, queryCacheCollection, q)
	return err
}

func entityToCachedQuery(e Entity) *CachedQuery {
	cq := &CachedQuery{ID: e.ID()}
	cq.Collection, _ = e["collection"].(string)
	cq.Query, _ = e["query"].(string)
	cq.LastRequest, _ = e["lastRequest"].(string)
	return cq
}
