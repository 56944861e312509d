// Package engine implements the document CRUD facade over a single backing
// collection.
//
// Cosa fa:
//   - converte gli identificativi tra forma esterna (stringa) e forma interna
//   - normalizza i filtri prima di inviarli allo store
//   - consegna i risultati in blocco (Find) o come stream lazy (FindStream)
//   - classifica gli errori dello store senza esporne il testo
//
// Cosa NON fa:
//   - non effettua retry
//   - non mantiene cache o stato tra chiamate
//
// Esempio minimo:
//
//	eng, err := engine.New(coll, engine.Config{IDProperty: "id"})
//	if err != nil {
//		return err
//	}
//	doc, err := eng.Create(ctx, engine.Document{"name": "ada"})
package engine

import (
	"fmt"
	"time"

	"github.com/nimburion/mongoengine/pkg/identity"
	"github.com/nimburion/mongoengine/pkg/observability/logger"
	"github.com/nimburion/mongoengine/pkg/observability/metrics"
	"github.com/nimburion/mongoengine/pkg/query"
	"github.com/nimburion/mongoengine/pkg/resilience"
	"github.com/nimburion/mongoengine/pkg/store"
	"github.com/nimburion/mongoengine/pkg/stream"
)

// Document is a record exchanged with callers. Its identity field always holds the
// external (string) form.
type Document = stream.Document

// Config configures an Engine.
type Config struct {
	// IDProperty is the identity field name callers see. Defaults to "_id".
	IDProperty string
	// StreamBuffer is the read-ahead depth of result streams. Defaults to stream.DefaultBuffer.
	StreamBuffer int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics records operation metrics.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCodec replaces the identity codec.
func WithCodec(codec identity.Codec) Option {
	return func(e *Engine) {
		if codec != nil {
			e.codec = codec
		}
	}
}

// WithTransform appends a transform applied to every document returned by a query,
// after identity normalization.
func WithTransform(fn stream.Transform) Option {
	return func(e *Engine) {
		if fn != nil {
			e.transforms = append(e.transforms, fn)
		}
	}
}

// WithCircuitBreaker guards store calls with a breaker that opens after maxFailures
// consecutive transport failures. Constraint violations do not count.
func WithCircuitBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(e *Engine) {
		e.breaker = resilience.NewCircuitBreaker(maxFailures, resetTimeout,
			resilience.WithFailurePredicate(tripsBreaker))
	}
}

// WithStreamBuffer overrides Config.StreamBuffer.
func WithStreamBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.buffer = n
		}
	}
}

// Engine is bound to one collection. It is safe for concurrent use and keeps no
// state between calls.
type Engine struct {
	coll       store.Collection
	idProperty string
	codec      identity.Codec
	normalizer *query.Normalizer
	transforms []stream.Transform
	buffer     int

	log     logger.Logger
	metrics *metrics.EngineMetrics
	breaker *resilience.CircuitBreaker
}

// New binds an Engine to coll.
func New(coll store.Collection, cfg Config, opts ...Option) (*Engine, error) {
	if coll == nil {
		return nil, fmt.Errorf("%w: collection is required", ErrInvalidArgument)
	}
	if cfg.StreamBuffer < 0 {
		return nil, fmt.Errorf("%w: stream buffer must not be negative", ErrInvalidArgument)
	}

	e := &Engine{
		coll:       coll,
		idProperty: cfg.IDProperty,
		codec:      identity.Default(),
		buffer:     cfg.StreamBuffer,
		log:        logger.NewNop(),
	}
	if e.idProperty == "" {
		e.idProperty = identity.NativeField
	}
	if e.buffer == 0 {
		e.buffer = stream.DefaultBuffer
	}
	for _, opt := range opts {
		opt(e)
	}
	e.normalizer = query.NewNormalizer(e.idProperty, e.codec)
	e.log = e.log.With("collection", coll.Name())
	return e, nil
}

// IDProperty returns the identity field name callers use.
func (e *Engine) IDProperty() string {
	return e.idProperty
}

// Collection returns the bound collection.
func (e *Engine) Collection() store.Collection {
	return e.coll
}
