package kinvey

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// readOptions carries per-read wire parameters.
type readOptions struct {
	// FileTTL is appended as kinveyfile_ttl when positive.
	FileTTL int
	// FileTLS is appended as kinveyfile_tls when true.
	FileTLS bool
}

func (o readOptions) apply(values url.Values) url.Values {
	if o.FileTTL > 0 {
		values.Set("kinveyfile_ttl", strconv.Itoa(o.FileTTL))
	}
	if o.FileTLS {
		values.Set("kinveyfile_tls", "true")
	}
	return values
}

// NetworkRepository is the typed facade over authenticated HTTP to the
// backend's appdata endpoints.
type NetworkRepository struct {
	appKey string
	client *httpClient
}

// NewNetworkRepository creates a repository for the given app.
func NewNetworkRepository(appKey string, client *httpClient) *NetworkRepository {
	return &NetworkRepository{appKey: appKey, client: client}
}

func (r *NetworkRepository) collectionPath(collection string) string {
	return fmt.Sprintf("/appdata/%s/%s", r.appKey, collection)
}

// Create POSTs one entity and returns the server's version of it.
func (r *NetworkRepository) Create(ctx context.Context, collection string, entity Entity) (Entity, error) {
	resp, err := r.client.Execute(ctx, &request{
		method: http.MethodPost,
		path:   r.collectionPath(collection),
		body:   entity,
		auth:   AuthDefault,
		retry:  true,
	})
	if err != nil {
		return nil, err
	}
	var created Entity
	if err := resp.decode(&created); err != nil {
		return nil, wrapError(KindKinvey, err, "decoding created entity")
	}
	return created, nil
}

// Update PUTs one entity by its _id and returns the server's version.
func (r *NetworkRepository) Update(ctx context.Context, collection string, entity Entity) (Entity, error) {
	id := entity.ID()
	if id == "" {
		return nil, newError(KindKinvey, "update requires an _id")
	}
	resp, err := r.client.Execute(ctx, &request{
		method: http.MethodPut,
		path:   r.collectionPath(collection) + "/" + id,
		body:   entity,
		auth:   AuthDefault,
		retry:  true,
	})
	if err != nil {
		return nil, err
	}
	var updated Entity
	if err := resp.decode(&updated); err != nil {
		return nil, wrapError(KindKinvey, err, "decoding updated entity")
	}
	return updated, nil
}

// Read fetches the entities matching query. The raw response is returned
// alongside so callers can consume X-Kinvey-Request-Start.
func (r *NetworkRepository) Read(ctx context.Context, collection string, query *Query, opts readOptions) ([]Entity, *response, error) {
	resp, err := r.client.Execute(ctx, &request{
		method: http.MethodGet,
		path:   r.collectionPath(collection),
		query:  opts.apply(query.wireValues()),
		auth:   AuthDefault,
		retry:  true,
	})
	if err != nil {
		return nil, nil, err
	}
	var entities []Entity
	if err := resp.decode(&entities); err != nil {
		return nil, nil, wrapError(KindKinvey, err, "decoding entities")
	}
	return entities, resp, nil
}

// ReadByID fetches one entity.
func (r *NetworkRepository) ReadByID(ctx context.Context, collection, id string) (Entity, error) {
	resp, err := r.client.Execute(ctx, &request{
		method: http.MethodGet,
		path:   r.collectionPath(collection) + "/" + id,
		auth:   AuthDefault,
		retry:  true,
	})
	if err != nil {
		return nil, err
	}
	var entity Entity
	if err := resp.decode(&entity); err != nil {
		return nil, wrapError(KindKinvey, err, "decoding entity")
	}
	return entity, nil
}

// Count returns the number of entities matching query, with the raw
// response.
func (r *NetworkRepository) Count(ctx context.Context, collection string, query *Query) (int, *response, error) {
	resp, err := r.client.Execute(ctx, &request{
		method: http.MethodGet,
		path:   r.collectionPath(collection) + "/_count",
		query:  query.wireValues(),
		auth:   AuthDefault,
		retry:  true,
	})
	if err != nil {
		return 0, nil, err
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := resp.decode(&body); err != nil {
		return 0, nil, wrapError(KindKinvey, err, "decoding count")
	}
	return body.Count, resp, nil
}

// Delete removes the entities matching query and returns the count removed.
func (r *NetworkRepository) Delete(ctx context.Context, collection string, query *Query) (int, error) {
	resp, err := r.client.Execute(ctx, &request{
		method: http.MethodDelete,
		path:   r.collectionPath(collection),
		query:  query.wireValues(),
		auth:   AuthDefault,
		retry:  true,
	})
	if err != nil {
		return 0, err
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := resp.decode(&body); err != nil {
		return 0, wrapError(KindKinvey, err, "decoding delete count")
	}
	return body.Count, nil
}

// DeleteByID removes one entity by id, returning the count removed.
func (r *NetworkRepository) DeleteByID(ctx context.Context, collection, id string) (int, error) {
	resp, err := r.client.Execute(ctx, &request{
		method: http.MethodDelete,
		path:   r.collectionPath(collection) + "/" + id,
		auth:   AuthDefault,
		retry:  true,
	})
	if err != nil {
		return 0, err
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := resp.decode(&body); err != nil {
		return 0, wrapError(KindKinvey, err, "decoding delete count")
	}
	return body.Count, nil
}

// Group evaluates an aggregation on the backend.
func (r *NetworkRepository) Group(ctx context.Context, collection string, agg *Aggregation) ([]Entity, error) {
	resp, err := r.client.Execute(ctx, &request{
		method: http.MethodPost,
		path:   r.collectionPath(collection) + "/_group",
		body:   agg.wireBody(),
		auth:   AuthDefault,
		retry:  true,
	})
	if err != nil {
		return nil, err
	}
	var groups []Entity
	if err := resp.decode(&groups); err != nil {
		return nil, wrapError(KindKinvey, err, "decoding groups")
	}
	return groups, nil
}

// ClearAppData issues the backend-wide cache clear.
func (r *NetworkRepository) ClearAppData(ctx context.Context) error {
	_, err := r.client.Execute(ctx, &request{
		method: http.MethodDelete,
		path:   "/appdata/" + r.appKey,
		auth:   AuthMaster,
		retry:  true,
	})
	return err
}
