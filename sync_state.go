package kinvey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// SyncOperation is the kind of a pending local mutation.
type SyncOperation string

const (
	// SyncOperationCreate marks an entity created offline, not yet pushed.
	SyncOperationCreate SyncOperation = "Create"
	// SyncOperationUpdate marks an entity updated offline.
	SyncOperationUpdate SyncOperation = "Update"
	// SyncOperationDelete marks an entity deleted offline.
	SyncOperationDelete SyncOperation = "Delete"
)

// SyncState is the pending-operation envelope of a SyncItem.
type SyncState struct {
	Operation SyncOperation `json:"operation"`
}

// SyncItem is one pending mutation intent awaiting push. At most one item
// exists per (collection, entity id).
type SyncItem struct {
	ID         string    `json:"_id"`
	EntityID   string    `json:"entityId"`
	Collection string    `json:"collection"`
	State      SyncState `json:"state"`
}

// SyncStateManager maintains the pending-op log in the reserved kinvey_sync
// collection. Collection names recorded on items are the tagged cache
// collection names, so tagged partitions of the same logical collection keep
// independent sync state.
type SyncStateManager struct {
	repo *OfflineRepository
}

// NewSyncStateManager creates a manager over the given repository.
func NewSyncStateManager(repo *OfflineRepository) *SyncStateManager {
	return &SyncStateManager{repo: repo}
}

// syncItemID derives the record id from the item identity, enforcing the
// one-item-per-entity invariant through upserts.
func syncItemID(collection, entityID string) string {
	sum := sha256.Sum256([]byte(collection + "\x00" + entityID))
	return hex.EncodeToString(sum[:entityIDBytes])
}

// AddCreate records Create intents for the given entities.
func (m *SyncStateManager) AddCreate(ctx context.Context, collection string, entities []Entity) error {
	return m.add(ctx, collection, entities, SyncOperationCreate)
}

// AddUpdate records Update intents for the given entities.
func (m *SyncStateManager) AddUpdate(ctx context.Context, collection string, entities []Entity) error {
	return m.add(ctx, collection, entities, SyncOperationUpdate)
}

// AddDelete records Delete intents for the given entities.
func (m *SyncStateManager) AddDelete(ctx context.Context, collection string, entities []Entity) error {
	return m.add(ctx, collection, entities, SyncOperationDelete)
}

func (m *SyncStateManager) add(ctx context.Context, collection string, entities []Entity, op SyncOperation) error {
	for _, e := range entities {
		if e.ID() == "" {
			return newError(KindSync, "an entity is missing an _id; cannot record a %s intent", op)
		}
	}
	for _, e := range entities {
		if err := m.mergeIntent(ctx, collection, e.ID(), op); err != nil {
			return err
		}
	}
	return nil
}

// mergeIntent applies the pending-operation merge table for one entity:
//
//	Create + Update -> Create
//	Create + Delete -> item dropped, offline entity deleted, nothing pushed
//	Update + Update -> Update
//	Update + Delete -> Delete
//	Delete + any    -> Sync error
func (m *SyncStateManager) mergeIntent(ctx context.Context, collection, entityID string, op SyncOperation) error {
	existing, err := m.getItem(ctx, collection, entityID)
	if err != nil {
		return err
	}

	next := op
	if existing != nil {
		switch existing.State.Operation {
		case SyncOperationDelete:
			return newError(KindSync, "entity %q in collection %q has a pending delete; it cannot be mutated", entityID, collection)
		case SyncOperationCreate:
			if op == SyncOperationDelete {
				// The entity never reached the backend, so the delete cancels
				// the create outright.
				if _, err := m.repo.DeleteByID(ctx, syncCollection, existing.ID); err != nil {
					return err
				}
				if _, err := m.repo.DeleteByID(ctx, collection, entityID); err != nil {
					return err
				}
				return nil
			}
			next = SyncOperationCreate
		case SyncOperationUpdate:
			// Update + Update stays Update; Update + Delete becomes Delete.
		}
	}

	record := Entity{
		fieldID:      syncItemID(collection, entityID),
		"entityId":   entityID,
		"collection": collection,
		"state":      map[string]any{"operation": string(next)},
	}
	_, err = m.repo.Update(ctx, syncCollection, []Entity{record})
	return err
}

func (m *SyncStateManager) getItem(ctx context.Context, collection, entityID string) (*SyncItem, error) {
	entity, err := m.repo.ReadByID(ctx, syncCollection, syncItemID(collection, entityID))
	if err != nil {
		if kindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return entityToSyncItem(entity), nil
}

// GetSyncItems returns the collection's pending items, restricted to
// entityIDs when non-nil.
func (m *SyncStateManager) GetSyncItems(ctx context.Context, collection string, entityIDs []string) ([]SyncItem, error) {
	q := syncItemQuery(collection, entityIDs)
	entities, err := m.repo.Read(ctx, syncCollection, q)
	if err != nil {
		return nil, err
	}
	items := make([]SyncItem, len(entities))
	for i, e := range entities {
		items[i] = *entityToSyncItem(e)
	}
	return items, nil
}

// GetSyncItemCount counts the collection's pending items, restricted to
// entityIDs when non-nil.
func (m *SyncStateManager) GetSyncItemCount(ctx context.Context, collection string, entityIDs []string) (int, error) {
	return m.repo.Count(ctx, syncCollection, syncItemQuery(collection, entityIDs))
}

// RemoveSyncItemForEntityID drops the pending item for one entity.
func (m *SyncStateManager) RemoveSyncItemForEntityID(ctx context.Context, collection, entityID string) error {
	_, err := m.repo.DeleteByID(ctx, syncCollection, syncItemID(collection, entityID))
	return err
}

// RemoveSyncItemsForIds drops the pending items for the given entities.
func (m *SyncStateManager) RemoveSyncItemsForIds(ctx context.Context, collection string, entityIDs []string) error {
	for _, id := range entityIDs {
		if err := m.RemoveSyncItemForEntityID(ctx, collection, id); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllSyncItems drops every pending item for the collection.
func (m *SyncStateManager) RemoveAllSyncItems(ctx context.Context, collection string) error {
	q := NewQuery().EqualTo("collection", collection)
	_, err := m.repo.Delete(ctx, syncCollection, q)
	return err
}

func syncItemQuery(collection string, entityIDs []string) *Query {
	q := NewQuery().EqualTo("collection", collection)
	if entityIDs != nil {
		values := make([]any, len(entityIDs))
		for i, id := range entityIDs {
			values[i] = id
		}
		q.ContainedIn("entityId", values)
	}
	return q
}

func entityToSyncItem(e Entity) *SyncItem {
	item := &SyncItem{ID: e.ID()}
	item.EntityID, _ = e["entityId"].(string)
	item.Collection, _ = e["collection"].(string)
	if state, ok := e["state"].(map[string]any); ok {
		if op, ok := state["operation"].(string); ok {
			item.State.Operation = SyncOperation(op)
		}
	}
	return item
}
