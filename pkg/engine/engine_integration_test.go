package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/mongoengine/pkg/query"
	"github.com/nimburion/mongoengine/pkg/store/mongodb"
	"github.com/nimburion/mongoengine/pkg/testutil"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TestEngine_Integration runs the engine against a real MongoDB server.
func TestEngine_Integration(t *testing.T) {
	url := testutil.StartMongo(t)
	ctx := context.Background()

	adapter, err := mongodb.NewAdapter(mongodb.Config{
		URL:              url,
		Database:         "mongoengine_test",
		ConnectTimeout:   30 * time.Second,
		OperationTimeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	defer adapter.Close()

	newEngine := func(t *testing.T, cfg Config) *Engine {
		t.Helper()
		eng, err := New(adapter.Collection(strings.ReplaceAll(t.Name(), "/", "_")), cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		return eng
	}

	t.Run("CreateThenFind", func(t *testing.T) {
		eng := newEngine(t, Config{IDProperty: "id"})
		created, err := eng.Create(ctx, Document{
			"a":    1,
			"name": "first",
			"tags": []string{"x", "y"},
			"meta": map[string]any{"n": 2, "at": int64(7)},
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		docs, err := eng.Find(ctx, query.Filter{"id": created["id"]}, query.Options{})
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		if len(docs) != 1 || !reflect.DeepEqual(docs[0], created) {
			t.Fatalf("expected [%v], got %v", created, docs)
		}
	})

	t.Run("IdentityOperators", func(t *testing.T) {
		eng := newEngine(t, Config{})
		var ids []any
		for i := int32(1); i <= 3; i++ {
			doc, err := eng.Create(ctx, Document{"a": i})
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			ids = append(ids, doc["_id"])
		}

		in, err := eng.Find(ctx, query.Filter{"_id": query.Filter{"$in": ids[:2]}}, query.Options{})
		if err != nil || len(in) != 2 {
			t.Fatalf("expected 2 documents for $in, got %d (%v)", len(in), err)
		}
		ne, err := eng.Find(ctx, query.Filter{"_id": query.Filter{"$ne": ids[0]}}, query.Options{})
		if err != nil || len(ne) != 2 {
			t.Fatalf("expected 2 documents for $ne, got %d (%v)", len(ne), err)
		}
		eq, err := eng.Find(ctx, query.Filter{"_id": query.Filter{"$eq": ids[1]}}, query.Options{})
		if err != nil || len(eq) != 1 || eq[0]["_id"] != ids[1] {
			t.Fatalf("expected only the second document for $eq, got %v (%v)", eq, err)
		}
		nin, err := eng.Find(ctx, query.Filter{"_id": query.Filter{"$nin": ids[:2]}}, query.Options{})
		if err != nil || len(nin) != 1 || nin[0]["_id"] != ids[2] {
			t.Fatalf("expected only the third document for $nin, got %v (%v)", nin, err)
		}
	})

	t.Run("SortAndDelayedStream", func(t *testing.T) {
		eng := newEngine(t, Config{StreamBuffer: 2})
		for _, a := range []int32{5, 3, 1, 4, 2} {
			if _, err := eng.Create(ctx, Document{"a": a}); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
		}

		s := eng.FindStream(ctx, nil, query.Options{
			Sort:  []query.SortField{query.Asc("a")},
			Extra: map[string]any{"cheese": 12},
		})
		time.Sleep(100 * time.Millisecond)

		docs, err := s.All(ctx)
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		if len(docs) != 5 {
			t.Fatalf("expected 5 documents, got %d", len(docs))
		}
		for i, doc := range docs {
			if doc["a"] != int32(i+1) {
				t.Fatalf("document %d out of order: %v", i, doc)
			}
		}
	})

	t.Run("UpdateZeroMatch", func(t *testing.T) {
		eng := newEngine(t, Config{})
		_, err := eng.Update(ctx, query.Filter{"_id": primitive.NewObjectID().Hex()}, Document{"a": int32(2)})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if strings.Contains(err.Error(), "No object found") {
			t.Fatalf("error leaks store wording: %q", err.Error())
		}
	})

	t.Run("UpdateAndRemove", func(t *testing.T) {
		eng := newEngine(t, Config{})
		created, err := eng.Create(ctx, Document{"a": int32(1)})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := eng.UpdateByID(ctx, created["_id"], Document{"a": int32(7)}); err != nil {
			t.Fatalf("UpdateByID() error = %v", err)
		}
		doc, err := eng.Read(ctx, created["_id"])
		if err != nil || doc["a"] != int32(7) {
			t.Fatalf("expected a=7, got %v (%v)", doc, err)
		}

		removed, err := eng.Remove(ctx, query.Filter{"a": int32(99)})
		if err != nil || removed != 0 {
			t.Fatalf("expected zero-match remove to succeed, got %d (%v)", removed, err)
		}
		if err := eng.Delete(ctx, created["_id"]); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := eng.Read(ctx, created["_id"]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("DuplicateKeyIsConstraint", func(t *testing.T) {
		eng := newEngine(t, Config{})
		created, err := eng.Create(ctx, Document{"a": int32(1)})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := eng.Create(ctx, Document{"_id": created["_id"]}); !IsConstraint(err) {
			t.Fatalf("expected constraint error, got %v", err)
		}
	})
}
