package kinvey

import (
	"context"
	"net/http"
)

// DeltaSetResponse is the backend's answer to a _deltaset request: entities
// changed since the client's high-water mark and tombstones for entities
// deleted since then.
type DeltaSetResponse struct {
	Changed []Entity `json:"changed"`
	Deleted []Entity `json:"deleted"`
}

// DeltaSet fetches the changes since the given server timestamp. The query,
// when present, scopes the delta to its filter; skip and limit are never sent
// because delta-set semantics are undefined over a window.
func (r *NetworkRepository) DeltaSet(ctx context.Context, collection, since string, query *Query) (*DeltaSetResponse, *response, error) {
	values := query.wireValues()
	values.Del("skip")
	values.Del("limit")
	values.Set("since", since)

	resp, err := r.client.Execute(ctx, &request{
		method: http.MethodGet,
		path:   r.collectionPath(collection) + "/_deltaset",
		query:  values,
		auth:   AuthDefault,
		retry:  true,
	})
	if err != nil {
		return nil, nil, err
	}
	var delta DeltaSetResponse
	if err := resp.decode(&delta); err != nil {
		return nil, nil, wrapError(KindKinvey, err, "decoding delta set")
	}
	return &delta, resp, nil
}

// applyDeltaSet folds a delta into the offline cache: tombstoned ids are
// deleted, changed entities are upserted.
func applyDeltaSet(ctx context.Context, repo *OfflineRepository, collection string, delta *DeltaSetResponse) error {
	for _, tombstone := range delta.Deleted {
		if id := tombstone.ID(); id != "" {
			if _, err := repo.DeleteByID(ctx, collection, id); err != nil {
				return err
			}
		}
	}
	if len(delta.Changed) > 0 {
		if _, err := repo.Update(ctx, collection, delta.Changed); err != nil {
			return err
		}
	}
	return nil
}
