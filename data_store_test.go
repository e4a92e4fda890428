package kinvey

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestSyncStoreCreatePushRoundTrip(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var postedBodies []Entity
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/appdata/app/books" {
			var body Entity
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			postedBodies = append(postedBodies, body)
			mu.Unlock()
			writeJSON(w, http.StatusCreated, Entity{"_id": "srv1", "title": body["title"]})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "NotFound"})
	})
	client := newTestClient(t, handler)
	store, err := client.Collection("books", ModeSync, nil)
	if err != nil {
		t.Fatalf("collection: %v", err)
	}

	created, err := store.Create(ctx, Entity{"title": "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	localID := created.ID()
	if len(localID) != 24 {
		t.Fatalf("expected a 24-char local id, got %q", localID)
	}
	if _, err := hex.DecodeString(localID); err != nil {
		t.Fatalf("local id is not hex: %q", localID)
	}
	if !created.IsLocal() {
		t.Fatal("offline-created entity must carry _kmd.local")
	}

	if n, _ := store.PendingSyncCount(ctx, nil); n != 1 {
		t.Fatalf("expected 1 pending item, got %d", n)
	}

	results, err := store.Push(ctx, nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 push result, got %d", len(results))
	}
	r := results[0]
	if r.ID != localID || r.Operation != SyncOperationCreate || r.Err != nil {
		t.Fatalf("unexpected push result: %+v", r)
	}
	if r.Entity.ID() != "srv1" {
		t.Fatalf("expected server entity, got %v", r.Entity)
	}

	mu.Lock()
	if len(postedBodies) != 1 {
		t.Fatalf("expected 1 POST, got %d", len(postedBodies))
	}
	if _, ok := postedBodies[0]["_id"]; ok {
		t.Fatal("push must strip the locally-minted _id")
	}
	mu.Unlock()

	// The local id died with the push; the server id took over.
	final, err := store.FindByID(ctx, "srv1").Final(ctx)
	if err != nil {
		t.Fatalf("findById srv1: %v", err)
	}
	if final.Entity["title"] != "A" {
		t.Fatalf("unexpected entity: %v", final.Entity)
	}
	if _, err := store.FindByID(ctx, localID).Final(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("findById %s: expected NotFound, got %v", localID, err)
	}

	if n, _ := store.PendingSyncCount(ctx, nil); n != 0 {
		t.Fatalf("expected 0 pending after push, got %d", n)
	}
	again, err := store.Push(ctx, nil)
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second push must be empty, got %d results", len(again))
	}
}

func TestSyncStoreCreateThenRemoveNeverTouchesNetwork(t *testing.T) {
	ctx := context.Background()

	var requests int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	client := newTestClient(t, handler)
	store, _ := client.Collection("books", ModeSync, nil)

	if _, err := store.Create(ctx, Entity{"_id": "x", "title": "A"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n, err := store.RemoveByID(ctx, "x"); err != nil || n != 1 {
		t.Fatalf("removeById: n=%d err=%v", n, err)
	}

	if n, _ := store.PendingSyncCount(ctx, nil); n != 0 {
		t.Fatalf("expected 0 pending, got %d", n)
	}
	if _, err := store.FindByID(ctx, "x").Final(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entity x should be gone, got %v", err)
	}
	if _, err := store.Push(ctx, nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	if requests != 0 {
		t.Fatalf("no network call may happen for x, saw %d", requests)
	}
}

func TestSyncStoreReadsNeverTouchNetwork(t *testing.T) {
	ctx := context.Background()

	var requests int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		writeJSON(w, http.StatusOK, []Entity{})
	}))
	store, _ := client.Collection("books", ModeSync, nil)

	if _, err := store.Create(ctx, Entity{"_id": "1", "genre": "scifi"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if res, err := store.Find(ctx, nil).Final(ctx); err != nil || len(res.Entities) != 1 {
		t.Fatalf("find: %v %v", res, err)
	}
	if res, err := store.Count(ctx, nil).Final(ctx); err != nil || res.Count != 1 {
		t.Fatalf("count: %v %v", res, err)
	}
	if res, err := store.Group(ctx, GroupByCount("genre")).Final(ctx); err != nil || len(res.Groups) != 1 {
		t.Fatalf("group: %v %v", res, err)
	}
	if requests != 0 {
		t.Fatalf("sync-store reads must stay local, saw %d requests", requests)
	}
}

func TestPushMutualExclusion(t *testing.T) {
	ctx := context.Background()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusCreated, Entity{"_id": "srv1"})
	})
	client := newTestClient(t, handler)
	store, _ := client.Collection("books", ModeSync, nil)

	if _, err := store.Create(ctx, Entity{"title": "A"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Push(ctx, nil)
		}(i)
	}
	wg.Wait()

	var syncErrs, successes int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrSync):
			syncErrs++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || syncErrs != 1 {
		t.Fatalf("expected exactly one winner and one Sync rejection, got %d/%d", successes, syncErrs)
	}
}

func TestPushKeepsFailedItemsQueued(t *testing.T) {
	ctx := context.Background()

	var fail = true
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "KinveyInternalErrorRetry"})
			return
		}
		writeJSON(w, http.StatusCreated, Entity{"_id": "srv1"})
	})
	client := newTestClient(t, handler)
	store, _ := client.Collection("books", ModeSync, nil)

	if _, err := store.Create(ctx, Entity{"title": "A"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	results, err := store.Push(ctx, nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected a failed result, got %+v", results)
	}
	if !errors.Is(results[0].Err, ErrServerError) {
		t.Fatalf("expected ServerError, got %v", results[0].Err)
	}
	if n, _ := store.PendingSyncCount(ctx, nil); n != 1 {
		t.Fatalf("failed item must stay queued, got %d", n)
	}

	fail = false
	results, err = store.Push(ctx, nil)
	if err != nil || len(results) != 1 || results[0].Err != nil {
		t.Fatalf("retry push failed: %+v %v", results, err)
	}
	if n, _ := store.PendingSyncCount(ctx, nil); n != 0 {
		t.Fatalf("expected empty queue after retry, got %d", n)
	}
}

func TestUpdateRequiresID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	store, _ := client.Collection("books", ModeSync, nil)

	if _, err := store.Update(context.Background(), Entity{"title": "A"}); err == nil || kindOf(err) != KindKinvey {
		t.Fatalf("expected a Kinvey validation error, got %v", err)
	}
}

func TestSaveDispatchesOnID(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	store, _ := client.Collection("books", ModeSync, nil)

	created, err := store.Save(ctx, Entity{"title": "A"})
	if err != nil {
		t.Fatalf("save-create: %v", err)
	}
	items, _ := store.PendingSyncEntities(ctx, nil)
	if len(items) != 1 || items[0].State.Operation != SyncOperationCreate {
		t.Fatalf("expected a Create intent, got %v", items)
	}

	created["title"] = "A2"
	if _, err := store.Save(ctx, created); err != nil {
		t.Fatalf("save-update: %v", err)
	}
	items, _ = store.PendingSyncEntities(ctx, nil)
	// Create + Update merges back to Create with the latest payload.
	if len(items) != 1 || items[0].State.Operation != SyncOperationCreate {
		t.Fatalf("expected a merged Create intent, got %v", items)
	}
	entity, err := store.FindByID(ctx, created.ID()).Final(ctx)
	if err != nil || entity.Entity["title"] != "A2" {
		t.Fatalf("latest payload not persisted: %v %v", entity.Entity, err)
	}
}

func TestRemoveByIDEmptyIsNoOp(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	store, _ := client.Collection("books", ModeNetwork, nil)

	n, err := store.RemoveByID(context.Background(), "")
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got n=%d err=%v", n, err)
	}
}

func TestNetworkStoreRejectsSyncOperations(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	store, _ := client.Collection("books", ModeNetwork, nil)

	if _, err := store.Push(ctx, nil); err == nil {
		t.Fatal("push on a network store must fail")
	}
	if _, err := store.Pull(ctx, nil, nil); err == nil {
		t.Fatal("pull on a network store must fail")
	}
	if _, err := store.Sync(ctx, nil, nil); err == nil {
		t.Fatal("sync on a network store must fail")
	}
}

func TestTagValidation(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	if _, err := client.Collection("books", ModeSync, &StoreOptions{Tag: "bad tag!"}); err == nil {
		t.Fatal("invalid tag must be rejected")
	}
	if _, err := client.Collection("books", ModeSync, &StoreOptions{Tag: "ok-1"}); err != nil {
		t.Fatalf("valid tag rejected: %v", err)
	}
}

func TestTaggedStoresAreIndependent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	a, _ := client.Collection("books", ModeSync, &StoreOptions{Tag: "a"})
	b, _ := client.Collection("books", ModeSync, &StoreOptions{Tag: "b"})

	if _, err := a.Create(ctx, Entity{"_id": "1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if res, _ := a.Count(ctx, nil).Final(ctx); res.Count != 1 {
		t.Fatalf("tag a: expected 1, got %d", res.Count)
	}
	if res, _ := b.Count(ctx, nil).Final(ctx); res.Count != 0 {
		t.Fatalf("tag b: expected 0, got %d", res.Count)
	}
	if n, _ := a.PendingSyncCount(ctx, nil); n != 1 {
		t.Fatalf("tag a pending: expected 1, got %d", n)
	}
	if n, _ := b.PendingSyncCount(ctx, nil); n != 0 {
		t.Fatalf("tag b pending: expected 0, got %d", n)
	}
}
