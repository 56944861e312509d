package memory

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/nimburion/mongoengine/pkg/query"
	"github.com/nimburion/mongoengine/pkg/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func drain(t *testing.T, cur store.Cursor) []bson.M {
	t.Helper()
	var out []bson.M
	for cur.Next(context.Background()) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	return out
}

func TestCollection_InsertAssignsObjectID(t *testing.T) {
	c := NewCollection("docs")
	stored, err := c.Insert(context.Background(), bson.M{"a": 1})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok := stored["_id"].(primitive.ObjectID); !ok {
		t.Fatalf("expected ObjectID, got %T", stored["_id"])
	}
}

func TestCollection_DuplicateIDIsConstraintError(t *testing.T) {
	c := NewCollection("docs")
	id := primitive.NewObjectID()
	if _, err := c.Insert(context.Background(), bson.M{"_id": id}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := c.Insert(context.Background(), bson.M{"_id": id})
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestCollection_FindOperatorsAndSort(t *testing.T) {
	ctx := context.Background()
	c := NewCollection("docs")
	var ids []any
	for _, a := range []int{3, 1, 2} {
		doc, err := c.Insert(ctx, bson.M{"a": a, "b": 0})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, doc["_id"])
	}

	tests := []struct {
		name   string
		filter bson.M
		opts   query.Options
		want   []int32
	}{
		{name: "all sorted", filter: bson.M{}, opts: query.Options{Sort: []query.SortField{query.Asc("a")}}, want: []int{1, 2, 3}},
		{name: "desc", filter: bson.M{"b": 0}, opts: query.Options{Sort: []query.SortField{query.Desc("a")}}, want: []int{3, 2, 1}},
		{name: "in", filter: bson.M{"_id": bson.M{"$in": []any{ids[0], ids[2]}}}, want: []int{3, 2}},
		{name: "nin", filter: bson.M{"_id": bson.M{"$nin": []any{ids[0]}}}, want: []int{1, 2}},
		{name: "ne", filter: bson.M{"_id": bson.M{"$ne": ids[1]}}, want: []int{3, 2}},
		{name: "or", filter: bson.M{"$or": []any{bson.M{"a": 1}, bson.M{"a": 3}}}, want: []int{3, 1}},
		{name: "limit and skip", filter: bson.M{}, opts: query.Options{Sort: []query.SortField{query.Asc("a")}, Skip: 1, Limit: 1}, want: []int{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur, err := c.Find(ctx, tt.filter, tt.opts)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			docs := drain(t, cur)
			if len(docs) != len(tt.want) {
				t.Fatalf("got %d docs, want %d", len(docs), len(tt.want))
			}
			for i, doc := range docs {
				if doc["a"] != tt.want[i] {
					t.Fatalf("doc %d a=%v, want %d", i, doc["a"], tt.want[i])
				}
			}
		})
	}
}

func TestCollection_StoresCanonicalForm(t *testing.T) {
	ctx := context.Background()
	c := NewCollection("docs")
	stored, err := c.Insert(ctx, bson.M{"a": 1, "list": []string{"x"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if stored["a"] != int32(1) {
		t.Fatalf("expected int32, got %T", stored["a"])
	}
	if _, ok := stored["list"].(primitive.A); !ok {
		t.Fatalf("expected primitive.A, got %T", stored["list"])
	}

	_, err = c.UpdateOne(ctx, bson.M{"_id": stored["_id"]}, bson.M{"$set": bson.M{"b": 7}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, err := c.FindOne(ctx, bson.M{"_id": stored["_id"]})
	if err != nil {
		t.Fatalf("find one: %v", err)
	}
	if doc["b"] != int32(7) {
		t.Fatalf("expected $set value in stored form, got %T", doc["b"])
	}
}

func TestIncrement(t *testing.T) {
	tests := []struct {
		name string
		cur  any
		inc  any
		want any
	}{
		{name: "int32 stays int32", cur: int32(2), inc: 3, want: int32(5)},
		{name: "int64 operand widens", cur: int32(2), inc: int64(3), want: int64(5)},
		{name: "int32 overflow widens", cur: int32(math.MaxInt32), inc: int32(1), want: int64(math.MaxInt32) + 1},
		{name: "double wins", cur: int32(2), inc: 0.5, want: 2.5},
		{name: "missing field", cur: nil, inc: int64(4), want: int64(4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := increment(tt.cur, tt.inc)
			if err != nil {
				t.Fatalf("increment: %v", err)
			}
			if got != tt.want {
				t.Fatalf("increment(%v, %v) = %#v, want %#v", tt.cur, tt.inc, got, tt.want)
			}
		})
	}

	if _, err := increment("x", 1); !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected ErrConstraint for a non-numeric field, got %v", err)
	}
}

func TestCollection_CancelledContextIsNotTransport(t *testing.T) {
	c := NewCollection("docs")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Count(ctx, bson.M{})
	if !errors.Is(err, context.Canceled) || errors.Is(err, store.ErrTransport) {
		t.Fatalf("expected a bare cancellation, got %v", err)
	}
}

func TestCollection_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	c := NewCollection("docs")
	doc, _ := c.Insert(ctx, bson.M{"a": 1})

	res, err := c.UpdateOne(ctx, bson.M{"_id": doc["_id"]}, bson.M{"$set": bson.M{"a": 2}})
	if err != nil || res.Matched != 1 || res.Modified != 1 {
		t.Fatalf("update = %+v, %v", res, err)
	}

	res, err = c.UpdateOne(ctx, bson.M{"_id": primitive.NewObjectID()}, bson.M{"$set": bson.M{"a": 3}})
	if err != nil || res.Matched != 0 {
		t.Fatalf("expected zero matches without error, got %+v, %v", res, err)
	}

	n, err := c.DeleteMany(ctx, bson.M{"a": 2})
	if err != nil || n != 1 {
		t.Fatalf("delete = %d, %v", n, err)
	}
	if _, err := c.FindOne(ctx, bson.M{}); !errors.Is(err, store.ErrNoDocuments) {
		t.Fatalf("expected ErrNoDocuments, got %v", err)
	}
}

func TestCollection_Faults(t *testing.T) {
	ctx := context.Background()
	c := NewCollection("docs")
	boom := errors.New("boom")
	c.SetFault(OpInsert, boom)

	if _, err := c.Insert(ctx, bson.M{}); !errors.Is(err, boom) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	c.SetFault(OpInsert, nil)
	if _, err := c.Insert(ctx, bson.M{}); err != nil {
		t.Fatalf("expected fault cleared, got %v", err)
	}
}
