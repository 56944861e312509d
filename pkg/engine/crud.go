package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/mongoengine/pkg/identity"
	"github.com/nimburion/mongoengine/pkg/observability/metrics"
	"github.com/nimburion/mongoengine/pkg/observability/tracing"
	"github.com/nimburion/mongoengine/pkg/query"
	"github.com/nimburion/mongoengine/pkg/store"
	"github.com/nimburion/mongoengine/pkg/stream"
	"go.mongodb.org/mongo-driver/bson"
)

// Operation names used in errors, logs, and metrics.
const (
	OpCreate     = "create"
	OpRead       = "read"
	OpFind       = "find"
	OpFindStream = "find_stream"
	OpFindOne    = "find_one"
	OpCount      = "count"
	OpUpdate     = "update"
	OpRemove     = "remove"
	OpDelete     = "delete"
)

// Create inserts a copy of doc. A caller-supplied identity is converted to the
// internal form; otherwise the store assigns one. The stored document is returned
// with its identity in external form.
func (e *Engine) Create(ctx context.Context, doc Document) (Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is required", ErrInvalidArgument)
	}

	var created Document
	err := e.run(ctx, OpCreate, tracing.SpanOperationDBInsert, func(ctx context.Context) error {
		stored, err := e.guard(func() (bson.M, error) {
			return e.coll.Insert(ctx, e.internalize(doc))
		})
		if err != nil {
			return err
		}
		created = e.externalize(Document(stored))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Read returns the document with the given identity, or ErrNotFound.
func (e *Engine) Read(ctx context.Context, id any) (Document, error) {
	if isEmptyID(id) {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}

	var found Document
	err := e.run(ctx, OpRead, tracing.SpanOperationDBQuery, func(ctx context.Context) error {
		raw, err := e.guard(func() (bson.M, error) {
			return e.coll.FindOne(ctx, bson.M{identity.NativeField: e.codec.ToInternal(id)})
		})
		if errors.Is(err, store.ErrNoDocuments) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		found, err = e.apply(Document(raw))
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Find runs the query and returns every matching document in store order.
func (e *Engine) Find(ctx context.Context, filter query.Filter, opts query.Options) ([]Document, error) {
	var docs []Document
	err := e.run(ctx, OpFind, tracing.SpanOperationDBQuery, func(ctx context.Context) error {
		var err error
		docs, err = e.newStream(ctx, OpFind, filter, opts, nil).All(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// FindStream returns a lazy stream over the matching documents. It performs no I/O:
// the query is issued on the first call to Next. ctx bounds the stream's lifetime.
// Callers must Close the stream unless they consume it to the end.
func (e *Engine) FindStream(ctx context.Context, filter query.Filter, opts query.Options) *stream.Stream {
	return e.newStream(ctx, OpFindStream, filter, opts, e.streamOpened)
}

// FindOne returns the first document matching filter in the order given by opts,
// or ErrNotFound.
func (e *Engine) FindOne(ctx context.Context, filter query.Filter, opts query.Options) (Document, error) {
	opts.Limit = 1

	var found Document
	err := e.run(ctx, OpFindOne, tracing.SpanOperationDBQuery, func(ctx context.Context) error {
		docs, err := e.newStream(ctx, OpFindOne, filter, opts, nil).All(ctx)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return ErrNotFound
		}
		found = docs[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Count returns the number of documents matching filter.
func (e *Engine) Count(ctx context.Context, filter query.Filter) (int64, error) {
	var n int64
	err := e.run(ctx, OpCount, tracing.SpanOperationDBCount, func(ctx context.Context) error {
		var err error
		n, err = e.guard64(func() (int64, error) {
			return e.coll.Count(ctx, e.storeFilter(filter))
		})
		return err
	})
	return n, err
}

// Update applies changes to the first document matching filter and returns the
// number of matched documents. Plain field changes are applied with $set; a change
// set made only of update operators is sent as given. The identity field is never
// modified. When nothing matches, Update returns ErrNotFound.
func (e *Engine) Update(ctx context.Context, filter query.Filter, changes Document) (int64, error) {
	update, err := e.updateDocument(changes)
	if err != nil {
		return 0, err
	}

	var matched int64
	err = e.run(ctx, OpUpdate, tracing.SpanOperationDBUpdate, func(ctx context.Context) error {
		var res store.UpdateResult
		err := e.breakerDo(func() error {
			var err error
			res, err = e.coll.UpdateOne(ctx, e.storeFilter(filter), update)
			return err
		})
		if err != nil {
			return err
		}
		if res.Matched == 0 {
			return ErrNotFound
		}
		matched = res.Matched
		return nil
	})
	return matched, err
}

// UpdateByID applies changes to the document with the given identity.
func (e *Engine) UpdateByID(ctx context.Context, id any, changes Document) error {
	if isEmptyID(id) {
		return fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	_, err := e.Update(ctx, query.Filter{e.idProperty: id}, changes)
	return err
}

// Remove deletes every document matching filter. Removing nothing is not an error.
func (e *Engine) Remove(ctx context.Context, filter query.Filter) (int64, error) {
	var removed int64
	err := e.run(ctx, OpRemove, tracing.SpanOperationDBDelete, func(ctx context.Context) error {
		var err error
		removed, err = e.guard64(func() (int64, error) {
			return e.coll.DeleteMany(ctx, e.storeFilter(filter))
		})
		return err
	})
	return removed, err
}

// Delete removes the document with the given identity, or returns ErrNotFound.
func (e *Engine) Delete(ctx context.Context, id any) error {
	if isEmptyID(id) {
		return fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	return e.run(ctx, OpDelete, tracing.SpanOperationDBDelete, func(ctx context.Context) error {
		removed, err := e.guard64(func() (int64, error) {
			return e.coll.DeleteMany(ctx, bson.M{identity.NativeField: e.codec.ToInternal(id)})
		})
		if err != nil {
			return err
		}
		if removed == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// newStream builds the stream shared by the query operations. onOpen, when set,
// observes the outcome of issuing the query.
func (e *Engine) newStream(ctx context.Context, op string, filter query.Filter, opts query.Options, onOpen func(context.Context, time.Time, error)) *stream.Stream {
	storeFilter := e.storeFilter(filter)
	open := func(ctx context.Context) (stream.Cursor, error) {
		start := time.Now()
		var cur store.Cursor
		err := e.breakerDo(func() error {
			var err error
			cur, err = e.coll.Find(ctx, storeFilter, opts)
			return err
		})
		err = classify(op, err)
		if onOpen != nil {
			onOpen(ctx, start, err)
		}
		if err != nil {
			return nil, err
		}
		return &classifiedCursor{Cursor: cur, op: op}, nil
	}

	streamOpts := []stream.Option{
		stream.WithBuffer(e.buffer),
		stream.WithTransform(func(doc Document) (Document, error) {
			e.metrics.StreamDocument()
			return e.externalize(doc), nil
		}),
	}
	for _, fn := range e.transforms {
		streamOpts = append(streamOpts, stream.WithTransform(fn))
	}
	return stream.New(ctx, open, streamOpts...)
}

func (e *Engine) streamOpened(ctx context.Context, start time.Time, err error) {
	_, span := tracing.StartDatabaseSpan(ctx, tracing.SpanOperationDBQuery,
		tracing.WithDBSystem("mongodb"),
		tracing.WithDBCollection(e.coll.Name()),
		tracing.WithDBStreaming(true),
	)
	tracing.End(span, err)
	e.observe(ctx, OpFindStream, start, err)
}

// classifiedCursor classifies iteration errors before the stream reports them.
type classifiedCursor struct {
	store.Cursor
	op string
}

func (c *classifiedCursor) Err() error {
	return classify(c.op, c.Cursor.Err())
}

// run wraps a single-shot operation with tracing, metrics, logging, and error
// classification.
func (e *Engine) run(ctx context.Context, op string, kind tracing.SpanOperation, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := tracing.StartDatabaseSpan(ctx, kind,
		tracing.WithDBSystem("mongodb"),
		tracing.WithDBCollection(e.coll.Name()),
	)

	err := classify(op, fn(ctx))
	if errors.Is(err, ErrNotFound) {
		tracing.End(span, nil)
	} else {
		tracing.End(span, err)
	}
	e.observe(ctx, op, start, err)
	return err
}

func (e *Engine) observe(ctx context.Context, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := outcomeOf(err)
	e.metrics.ObserveOperation(op, outcome, elapsed)

	log := e.log.WithContext(ctx)
	switch outcome {
	case metrics.OutcomeSuccess, metrics.OutcomeNotFound, metrics.OutcomeCanceled:
		log.Debug("operation completed", "operation", op, "outcome", outcome, "duration", elapsed)
	default:
		log.Warn("operation failed", "operation", op, "outcome", outcome, "duration", elapsed, "error", err)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrNotFound):
		return metrics.OutcomeNotFound
	case IsTransport(err):
		return metrics.OutcomeTransport
	case IsConstraint(err):
		return metrics.OutcomeConstraint
	case IsCanceled(err):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}

func (e *Engine) breakerDo(fn func() error) error {
	if e.breaker == nil {
		return fn()
	}
	return e.breaker.Execute(fn)
}

func (e *Engine) guard(fn func() (bson.M, error)) (bson.M, error) {
	var out bson.M
	err := e.breakerDo(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (e *Engine) guard64(fn func() (int64, error)) (int64, error) {
	var out int64
	err := e.breakerDo(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (e *Engine) storeFilter(filter query.Filter) bson.M {
	return bson.M(e.normalizer.Normalize(filter))
}

// internalize copies doc for insertion, moving the identity to the native field.
func (e *Engine) internalize(doc Document) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if k == e.idProperty || k == identity.NativeField {
			continue
		}
		out[k] = v
	}
	if id, ok := doc[e.idProperty]; ok && !isEmptyID(id) {
		out[identity.NativeField] = e.codec.ToInternal(id)
	}
	return out
}

// externalize rewrites the native identity into the caller's field and form.
func (e *Engine) externalize(doc Document) Document {
	id, ok := doc[identity.NativeField]
	if !ok {
		return doc
	}
	delete(doc, identity.NativeField)
	doc[e.idProperty] = e.codec.ToExternal(id)
	return doc
}

// apply runs the full read pipeline on a document fetched outside a stream.
func (e *Engine) apply(doc Document) (Document, error) {
	doc = e.externalize(doc)
	var err error
	for _, fn := range e.transforms {
		if doc, err = fn(doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// updateDocument builds the store update for changes, dropping identity fields.
func (e *Engine) updateDocument(changes Document) (bson.M, error) {
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: changes are required", ErrInvalidArgument)
	}

	operators := 0
	for key := range changes {
		if strings.HasPrefix(key, "$") {
			operators++
		}
	}

	update := bson.M{}
	switch operators {
	case 0:
		set := e.withoutIdentity(changes)
		if len(set) > 0 {
			update["$set"] = set
		}
	case len(changes):
		for op, operand := range changes {
			fields, ok := asFields(operand)
			if !ok {
				update[op] = operand
				continue
			}
			if fields = e.withoutIdentity(fields); len(fields) > 0 {
				update[op] = fields
			}
		}
	default:
		return nil, fmt.Errorf("%w: changes mix update operators and plain fields", ErrInvalidArgument)
	}

	if len(update) == 0 {
		return nil, fmt.Errorf("%w: the identity field cannot be changed", ErrInvalidArgument)
	}
	return update, nil
}

func (e *Engine) withoutIdentity(fields map[string]any) bson.M {
	out := make(bson.M, len(fields))
	for k, v := range fields {
		if k == e.idProperty || k == identity.NativeField {
			continue
		}
		out[k] = v
	}
	return out
}

func asFields(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case bson.M:
		return m, true
	case Document:
		return m, true
	case query.Filter:
		return m, true
	}
	return nil, false
}

func isEmptyID(id any) bool {
	if id == nil {
		return true
	}
	s, ok := id.(string)
	return ok && s == ""
}
