package idempotency_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/agenthub/agenthub/internal/idempotency"
)

var ctx = context.Background()

func testKey() idempotency.Key {
	return idempotency.Key{
		Tenant: "tenant-default",
		Actor:  "owner-platform",
		Method: "POST",
		Route:  "/v1/delegations",
		Key:    "k1",
	}
}

func TestReserve_newThenPending(t *testing.T) {
	store := idempotency.NewMemoryStore()

	res, err := store.Reserve(ctx, testKey(), "hash-a")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != idempotency.StateNew {
		t.Fatalf("first reserve: got %s, want new", res.State)
	}

	// Same key + hash before completion is an in-flight duplicate.
	res, err = store.Reserve(ctx, testKey(), "hash-a")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != idempotency.StatePending {
		t.Errorf("duplicate in-flight reserve: got %s, want pending", res.State)
	}
}

func TestReserve_replayAfterComplete(t *testing.T) {
	store := idempotency.NewMemoryStore()
	key := testKey()

	if _, err := store.Reserve(ctx, key, "hash-a"); err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"delegation_id":"d1"}`)
	headers := map[string]string{"Content-Type": "application/json", "Date": "whenever"}
	if err := store.Complete(ctx, key, 201, headers, body); err != nil {
		t.Fatal(err)
	}

	res, err := store.Reserve(ctx, key, "hash-a")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != idempotency.StateReplay {
		t.Fatalf("got %s, want replay", res.State)
	}
	if res.Response.HTTPStatus != 201 {
		t.Errorf("cached status: got %d, want 201", res.Response.HTTPStatus)
	}
	if !bytes.Equal(res.Response.Body, body) {
		t.Errorf("cached body mismatch: got %s", res.Response.Body)
	}
	if _, ok := res.Response.Headers["Date"]; ok {
		t.Error("volatile Date header must not be cached")
	}
	if res.Response.Headers["Content-Type"] != "application/json" {
		t.Error("Content-Type header should be cached")
	}
}

func TestReserve_conflictOnDifferentHash(t *testing.T) {
	store := idempotency.NewMemoryStore()
	key := testKey()

	if _, err := store.Reserve(ctx, key, "hash-a"); err != nil {
		t.Fatal(err)
	}
	res, err := store.Reserve(ctx, key, "hash-b")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != idempotency.StateConflict {
		t.Errorf("got %s, want conflict", res.State)
	}
}

func TestFail_releasesKey(t *testing.T) {
	store := idempotency.NewMemoryStore()
	key := testKey()

	if _, err := store.Reserve(ctx, key, "hash-a"); err != nil {
		t.Fatal(err)
	}
	if err := store.Fail(ctx, key); err != nil {
		t.Fatal(err)
	}

	// A retry after a timeout reset reclaims the key, even with a new
	// hash.
	res, err := store.Reserve(ctx, key, "hash-b")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != idempotency.StateNew {
		t.Errorf("after Fail, reserve got %s, want new", res.State)
	}

	// The reclaimed reservation behaves like a fresh one end to end.
	if err := store.Complete(ctx, key, 200, nil, []byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	res, err = store.Reserve(ctx, key, "hash-b")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != idempotency.StateReplay {
		t.Errorf("completed reclaimed key: got %s, want replay", res.State)
	}
}

func TestReserve_distinctRoutesIndependent(t *testing.T) {
	store := idempotency.NewMemoryStore()
	k1 := testKey()
	k2 := testKey()
	k2.Route = "/v1/identity/agents"

	if _, err := store.Reserve(ctx, k1, "hash-a"); err != nil {
		t.Fatal(err)
	}
	res, err := store.Reserve(ctx, k2, "hash-a")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != idempotency.StateNew {
		t.Errorf("different route must be an independent reservation, got %s", res.State)
	}
}
