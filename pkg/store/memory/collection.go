// Package memory provides an in-process store.Collection for tests and local
// development. It understands the filter subset the engine emits: equality, $ne,
// $in, $nin, $exists, $gt/$gte/$lt/$lte, and the $and/$or/$nor combinators.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/nimburion/mongoengine/pkg/query"
	"github.com/nimburion/mongoengine/pkg/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Operation names accepted by SetFault.
const (
	OpInsert     = "insert"
	OpFind       = "find"
	OpFindOne    = "find_one"
	OpCount      = "count"
	OpUpdateOne  = "update_one"
	OpDeleteMany = "delete_many"
	OpIterate    = "iterate"
)

// Collection keeps documents in insertion order.
type Collection struct {
	name string

	mu     sync.RWMutex
	docs   []bson.M
	faults map[string]error
	opened int
}

var _ store.Collection = (*Collection)(nil)

// NewCollection creates an empty collection.
func NewCollection(name string) *Collection {
	return &Collection{name: name, faults: make(map[string]error)}
}

// Name implements store.Collection.
func (c *Collection) Name() string { return c.name }

// SetFault makes every subsequent call of op fail with err. A nil err clears it.
// OpIterate fails cursors after their first document.
func (c *Collection) SetFault(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.faults, op)
		return
	}
	c.faults[op] = err
}

// CursorsOpened reports how many cursors Find has handed out.
func (c *Collection) CursorsOpened() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opened
}

func (c *Collection) fault(op string) error {
	return c.faults[op]
}

// Insert implements store.Collection.
func (c *Collection) Insert(ctx context.Context, doc bson.M) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ContextError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(OpInsert); err != nil {
		return nil, err
	}

	withID := clone(doc)
	if id, ok := withID["_id"]; !ok || id == nil {
		withID["_id"] = primitive.NewObjectID()
	}
	stored, err := store.Canonical(withID)
	if err != nil {
		return nil, err
	}
	id := stored["_id"]
	for _, existing := range c.docs {
		if equal(existing["_id"], id) {
			return nil, fmt.Errorf("%w: duplicate key _id %v", store.ErrConstraint, id)
		}
	}
	c.docs = append(c.docs, stored)
	return clone(stored), nil
}

// Find implements store.Collection.
func (c *Collection) Find(ctx context.Context, filter bson.M, opts query.Options) (store.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ContextError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(OpFind); err != nil {
		return nil, err
	}

	matched := make([]bson.M, 0, len(c.docs))
	for _, doc := range c.docs {
		if matches(doc, filter) {
			matched = append(matched, clone(doc))
		}
	}
	sortDocuments(matched, opts.SortDocument())

	if opts.Skip > 0 {
		if opts.Skip >= int64(len(matched)) {
			matched = matched[:0]
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < int64(len(matched)) {
		matched = matched[:opts.Limit]
	}
	if len(opts.Projection) > 0 {
		for i, doc := range matched {
			matched[i] = project(doc, opts.Projection)
		}
	}

	c.opened++
	return &cursor{docs: matched, iterErr: c.fault(OpIterate)}, nil
}

// FindOne implements store.Collection.
func (c *Collection) FindOne(ctx context.Context, filter bson.M) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ContextError(err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.fault(OpFindOne); err != nil {
		return nil, err
	}
	for _, doc := range c.docs {
		if matches(doc, filter) {
			return clone(doc), nil
		}
	}
	return nil, store.ErrNoDocuments
}

// Count implements store.Collection.
func (c *Collection) Count(ctx context.Context, filter bson.M) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.ContextError(err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.fault(OpCount); err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

// UpdateOne implements store.Collection. Supported operators are $set, $unset, and $inc.
func (c *Collection) UpdateOne(ctx context.Context, filter, changes bson.M) (store.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return store.UpdateResult{}, store.ContextError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(OpUpdateOne); err != nil {
		return store.UpdateResult{}, err
	}

	for i, doc := range c.docs {
		if !matches(doc, filter) {
			continue
		}
		updated := clone(doc)
		if err := applyUpdate(updated, changes); err != nil {
			return store.UpdateResult{Matched: 1}, err
		}
		updated, err := store.Canonical(updated)
		if err != nil {
			return store.UpdateResult{Matched: 1}, err
		}
		modified := int64(0)
		if !reflect.DeepEqual(updated, doc) {
			modified = 1
		}
		c.docs[i] = updated
		return store.UpdateResult{Matched: 1, Modified: modified}, nil
	}
	return store.UpdateResult{}, nil
}

// DeleteMany implements store.Collection.
func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.ContextError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(OpDeleteMany); err != nil {
		return 0, err
	}
	kept := c.docs[:0]
	var removed int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			removed++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return removed, nil
}

func applyUpdate(doc, changes bson.M) error {
	for op, arg := range changes {
		fields, ok := arg.(bson.M)
		if !ok {
			if m, isMap := arg.(map[string]any); isMap {
				fields = bson.M(m)
			} else {
				return fmt.Errorf("%w: update operator %s requires a document", store.ErrConstraint, op)
			}
		}
		switch op {
		case "$set":
			for k, v := range fields {
				if k == "_id" && !equal(doc["_id"], v) {
					return fmt.Errorf("%w: _id is immutable", store.ErrConstraint)
				}
				doc[k] = v
			}
		case "$unset":
			for k := range fields {
				delete(doc, k)
			}
		case "$inc":
			for k, v := range fields {
				sum, err := increment(doc[k], v)
				if err != nil {
					return err
				}
				doc[k] = sum
			}
		default:
			return fmt.Errorf("%w: unsupported update operator %s", store.ErrConstraint, op)
		}
	}
	return nil
}

// increment adds inc to cur the way the server does: integers stay integers, int32
// widens to int64 only when either side is int64 or the sum overflows, and any
// floating operand makes the result a double. A missing field counts as zero.
func increment(cur, inc any) (any, error) {
	incWidth, incInt := intWidth(inc)
	if cur == nil {
		if _, ok := number(inc); !ok {
			return nil, fmt.Errorf("%w: cannot $inc by non-numeric %v", store.ErrConstraint, inc)
		}
		return inc, nil
	}
	curWidth, curInt := intWidth(cur)
	if curInt && incInt {
		a, b := reflect.ValueOf(cur).Int(), reflect.ValueOf(inc).Int()
		sum := a + b
		if (b > 0 && sum < a) || (b < 0 && sum > a) {
			return nil, fmt.Errorf("%w: $inc overflows int64", store.ErrConstraint)
		}
		if curWidth == 32 && incWidth == 32 && sum >= math.MinInt32 && sum <= math.MaxInt32 {
			return int32(sum), nil
		}
		return sum, nil
	}
	x, okCur := number(cur)
	y, okInc := number(inc)
	if !okInc {
		return nil, fmt.Errorf("%w: cannot $inc by non-numeric %v", store.ErrConstraint, inc)
	}
	if !okCur {
		return nil, fmt.Errorf("%w: cannot $inc non-numeric field value %v", store.ErrConstraint, cur)
	}
	return x + y, nil
}

// intWidth reports the BSON integer width v encodes to.
func intWidth(v any) (int, bool) {
	switch n := v.(type) {
	case int32:
		return 32, true
	case int64:
		return 64, true
	case int:
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return 32, true
		}
		return 64, true
	default:
		return 0, false
	}
}

func matches(doc bson.M, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			for _, clause := range clauses(cond) {
				if !matches(doc, clause) {
					return false
				}
			}
		case "$or":
			hit := false
			for _, clause := range clauses(cond) {
				if matches(doc, clause) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		case "$nor":
			for _, clause := range clauses(cond) {
				if matches(doc, clause) {
					return false
				}
			}
		default:
			value, present := doc[key]
			if !matchValue(value, present, cond) {
				return false
			}
		}
	}
	return true
}

func matchValue(value any, present bool, cond any) bool {
	ops, ok := operatorMap(cond)
	if !ok {
		return present && equal(value, cond)
	}
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !present || !equal(value, arg) {
				return false
			}
		case "$ne":
			if present && equal(value, arg) {
				return false
			}
		case "$in":
			if !present || !contains(list(arg), value) {
				return false
			}
		case "$nin":
			if present && contains(list(arg), value) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false
			}
			c := compare(value, arg)
			if (op == "$gt" && c <= 0) || (op == "$gte" && c < 0) ||
				(op == "$lt" && c >= 0) || (op == "$lte" && c > 0) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func operatorMap(v any) (map[string]any, bool) {
	var m map[string]any
	switch t := v.(type) {
	case bson.M:
		m = t
	case map[string]any:
		m = t
	case query.Filter:
		m = t
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func clauses(v any) []bson.M {
	var out []bson.M
	for _, item := range list(v) {
		switch c := item.(type) {
		case bson.M:
			out = append(out, c)
		case map[string]any:
			out = append(out, bson.M(c))
		case query.Filter:
			out = append(out, bson.M(c))
		}
	}
	return out
}

func list(v any) []any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func contains(values []any, v any) bool {
	for _, candidate := range values {
		if equal(candidate, v) {
			return true
		}
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) int {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	}
	if x, ok := a.(primitive.ObjectID); ok {
		if y, ok := b.(primitive.ObjectID); ok {
			return bytes.Compare(x[:], y[:])
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func sortDocuments(docs []bson.M, keys bson.D) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			c := compare(docs[i][key.Key], docs[j][key.Key])
			if c == 0 {
				continue
			}
			if order, _ := number(key.Value); order < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func project(doc bson.M, projection map[string]any) bson.M {
	include := false
	for _, v := range projection {
		if n, ok := number(v); ok && n != 0 {
			include = true
		} else if b, ok := v.(bool); ok && b {
			include = true
		}
	}
	out := bson.M{}
	if include {
		out["_id"] = doc["_id"]
		for k := range projection {
			if v, ok := doc[k]; ok {
				out[k] = v
			}
		}
		if n, ok := number(projection["_id"]); ok && n == 0 {
			delete(out, "_id")
		}
		return out
	}
	for k, v := range doc {
		if _, excluded := projection[k]; !excluded {
			out[k] = v
		}
	}
	return out
}

func clone(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

type cursor struct {
	docs    []bson.M
	pos     int
	current bson.M
	iterErr error
	err     error
	closed  bool
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = store.ContextError(err)
		return false
	}
	if c.iterErr != nil && c.pos == 1 {
		c.err = c.iterErr
		return false
	}
	if c.pos >= len(c.docs) {
		return false
	}
	c.current = c.docs[c.pos]
	c.pos++
	return true
}

func (c *cursor) Decode(val interface{}) error {
	switch out := val.(type) {
	case *bson.M:
		*out = clone(c.current)
	case *map[string]any:
		*out = clone(c.current)
	default:
		return fmt.Errorf("memory cursor cannot decode into %T", val)
	}
	return nil
}

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close(context.Context) error {
	c.closed = true
	return nil
}
