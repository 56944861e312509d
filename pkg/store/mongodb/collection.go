package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/mongoengine/pkg/query"
	"github.com/nimburion/mongoengine/pkg/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection implements store.Collection over a *mongo.Collection.
type Collection struct {
	coll    *mongo.Collection
	timeout time.Duration
}

var _ store.Collection = (*Collection)(nil)

// NewCollection wraps coll. timeout bounds single-shot operations; cursors returned
// by Find live as long as the caller's context.
func NewCollection(coll *mongo.Collection, timeout time.Duration) *Collection {
	return &Collection{coll: coll, timeout: timeout}
}

// Name implements store.Collection.
func (c *Collection) Name() string {
	return c.coll.Name()
}

// Insert implements store.Collection.
func (c *Collection) Insert(ctx context.Context, doc bson.M) (bson.M, error) {
	opCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	stored, err := store.Canonical(doc)
	if err != nil {
		return nil, err
	}
	res, err := c.coll.InsertOne(opCtx, stored)
	if err != nil {
		return nil, categorize(err)
	}
	stored["_id"] = res.InsertedID
	return stored, nil
}

// Find implements store.Collection.
func (c *Collection) Find(ctx context.Context, filter bson.M, opts query.Options) (store.Cursor, error) {
	cur, err := c.coll.Find(ctx, filter, findOptions(opts))
	if err != nil {
		return nil, categorize(err)
	}
	return &cursor{Cursor: cur}, nil
}

// FindOne implements store.Collection.
func (c *Collection) FindOne(ctx context.Context, filter bson.M) (bson.M, error) {
	opCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	var out bson.M
	if err := c.coll.FindOne(opCtx, filter).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNoDocuments
		}
		return nil, categorize(err)
	}
	return out, nil
}

// Count implements store.Collection.
func (c *Collection) Count(ctx context.Context, filter bson.M) (int64, error) {
	opCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.coll.CountDocuments(opCtx, filter)
	if err != nil {
		return 0, categorize(err)
	}
	return n, nil
}

// UpdateOne implements store.Collection. A filter matching nothing is reported
// through UpdateResult.Matched, not as an error.
func (c *Collection) UpdateOne(ctx context.Context, filter, changes bson.M) (store.UpdateResult, error) {
	opCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.coll.UpdateOne(opCtx, filter, changes)
	if err != nil {
		return store.UpdateResult{}, categorize(err)
	}
	return store.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// DeleteMany implements store.Collection.
func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	opCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.coll.DeleteMany(opCtx, filter)
	if err != nil {
		return 0, categorize(err)
	}
	return res.DeletedCount, nil
}

func findOptions(opts query.Options) *options.FindOptions {
	fo := options.Find()
	if sort := opts.SortDocument(); sort != nil {
		fo.SetSort(sort)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if len(opts.Projection) > 0 {
		fo.SetProjection(bson.M(opts.Projection))
	}
	return fo
}

// cursor categorises iteration errors the same way as single-shot operations.
type cursor struct {
	*mongo.Cursor
}

func (c *cursor) Err() error {
	return categorize(c.Cursor.Err())
}

// categorize tags driver errors with a store error category so callers never
// need to inspect driver messages.
func categorize(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %w", store.ErrConstraint, err)
	case mongo.IsNetworkError(err),
		mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", store.ErrTransport, err)
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		return fmt.Errorf("%w: %w", store.ErrConstraint, err)
	}
	return err
}
