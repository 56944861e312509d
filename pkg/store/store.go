// Package store defines the contract between the document engine and a backing
// document collection.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimburion/mongoengine/pkg/query"
	"github.com/nimburion/mongoengine/pkg/stream"
	"go.mongodb.org/mongo-driver/bson"
)

// Error categories attached by store implementations. Callers match them with
// errors.Is; the wrapped driver error stays available through errors.As.
var (
	// ErrTransport marks connectivity, timeout, and I/O failures.
	ErrTransport = errors.New("store transport failure")
	// ErrConstraint marks writes rejected by the store (duplicate key, validation).
	ErrConstraint = errors.New("store rejected write")
	// ErrNoDocuments is returned by FindOne when nothing matches.
	ErrNoDocuments = errors.New("no documents in result")
)

// Canonical returns doc in the form the store hands it back on a read: values go
// through BSON, so Go ints become int32 or int64, slices become bson.A and nested
// maps become bson.M.
func Canonical(doc bson.M) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

// ContextError categorizes a context failure. A missed deadline is a transport
// failure; a cancellation is the caller's decision and stays untagged.
func ContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return err
}

// Adapter is the minimal lifecycle and health contract for storage adapters.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// Cursor iterates over query results in store order.
type Cursor = stream.Cursor

// UpdateResult reports how many documents an update addressed.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// Collection is a single backing document collection. Filters and documents use the
// store's native identity encoding.
type Collection interface {
	// Name identifies the collection in logs and spans.
	Name() string
	// Insert stores doc and returns it as Canonical would, with its native
	// identity set.
	Insert(ctx context.Context, doc bson.M) (bson.M, error)
	// Find opens a cursor over the documents matching filter.
	Find(ctx context.Context, filter bson.M, opts query.Options) (Cursor, error)
	// FindOne returns the first matching document or ErrNoDocuments.
	FindOne(ctx context.Context, filter bson.M) (bson.M, error)
	// Count returns the number of matching documents.
	Count(ctx context.Context, filter bson.M) (int64, error)
	// UpdateOne applies changes to the first matching document.
	UpdateOne(ctx context.Context, filter, changes bson.M) (UpdateResult, error)
	// DeleteMany removes every matching document and returns how many were removed.
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)
}
