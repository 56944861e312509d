// Package stream bridges a store cursor to a lazy, pull-based document sequence.
//
// A producer goroutine reads from the cursor into a bounded queue. When the queue is
// full the producer blocks and stops pulling from the cursor, so a slow consumer never
// loses records and the cursor is never drained eagerly into memory.
package stream

import (
	"context"
	"errors"
	"iter"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// DefaultBuffer is the queue depth between cursor and consumer.
const DefaultBuffer = 16

// Document is a single record as delivered to the consumer.
type Document map[string]any

// Cursor is the subset of *mongo.Cursor the stream depends on.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// Opener issues the underlying query. It runs on the first pull, never before.
type Opener func(ctx context.Context) (Cursor, error)

// Transform rewrites a record before it reaches the consumer.
type Transform func(Document) (Document, error)

// Option configures a Stream.
type Option func(*Stream)

// WithBuffer sets the queue depth. Values below 1 are ignored.
func WithBuffer(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithTransform appends a per-record transform. Transforms run in the order given,
// on the consumer side, when the record is pulled.
func WithTransform(fn Transform) Option {
	return func(s *Stream) {
		if fn != nil {
			s.transforms = append(s.transforms, fn)
		}
	}
}

type item struct {
	doc Document
	err error
}

// Stream is a finite, non-restartable sequence of documents.
// A Stream is not safe for concurrent use, except that Close may be called from
// any goroutine.
type Stream struct {
	ctx        context.Context
	open       Opener
	transforms []Transform
	buffer     int

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	items     chan item
	done      chan struct{}
	closeErr  error

	mu       sync.Mutex
	finished bool
	current  Document
	err      error
}

// New creates a Stream over the cursor returned by open. No I/O happens until the
// first call to Next. ctx bounds the lifetime of the producer.
func New(ctx context.Context, open Opener, opts ...Option) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Stream{
		ctx:    ctx,
		open:   open,
		buffer: DefaultBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Failed returns a Stream that reports err on the first pull.
func Failed(err error) *Stream {
	return New(context.Background(), func(context.Context) (Cursor, error) {
		return nil, err
	})
}

func (s *Stream) start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(s.ctx)
		s.cancel = cancel
		s.items = make(chan item, s.buffer)
		s.done = make(chan struct{})
		go s.produce(ctx)
	})
}

func (s *Stream) produce(ctx context.Context) {
	defer close(s.done)
	defer close(s.items)

	if s.open == nil {
		s.send(ctx, item{err: errors.New("stream has no cursor opener")})
		return
	}
	cur, err := s.open(ctx)
	if err != nil {
		s.send(ctx, item{err: err})
		return
	}
	defer func() {
		if err := cur.Close(context.WithoutCancel(ctx)); err != nil {
			s.closeErr = err
		}
	}()

	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			s.send(ctx, item{err: err})
			return
		}
		if !s.send(ctx, item{doc: Document(raw)}) {
			return
		}
	}
	if err := cur.Err(); err != nil && ctx.Err() == nil {
		s.send(ctx, item{err: err})
	}
}

// send blocks while the queue is full; this is what pauses the cursor.
func (s *Stream) send(ctx context.Context, it item) bool {
	select {
	case s.items <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// Next advances to the next document. It returns false when the sequence is
// exhausted, an error occurred, or the stream was closed; check Err afterwards.
func (s *Stream) Next(ctx context.Context) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.finish(err)
		return false
	}

	s.start()
	if s.items == nil {
		// Closed before the first pull.
		s.finish(nil)
		return false
	}

	select {
	case it, ok := <-s.items:
		if !ok {
			// The producer also stops when the stream's own context ends.
			s.finish(s.ctx.Err())
			return false
		}
		if it.err != nil {
			s.finish(it.err)
			return false
		}
		doc, err := s.apply(it.doc)
		if err != nil {
			s.finish(err)
			return false
		}
		s.current = doc
		return true
	case <-ctx.Done():
		s.finish(ctx.Err())
		return false
	}
}

func (s *Stream) apply(doc Document) (Document, error) {
	var err error
	for _, fn := range s.transforms {
		if doc, err = fn(doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// finish terminates the sequence and releases the cursor.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.finished = true
	s.current = nil
	if err != nil && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.release()
}

func (s *Stream) release() {
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
	})
}

// Document returns the document produced by the last successful Next.
func (s *Stream) Document() Document {
	return s.current
}

// Err returns the error that terminated the sequence, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the sequence and releases the underlying cursor. It is safe to
// call more than once and after exhaustion. The returned error is the cursor's
// close error, if any.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()

	// Prevent a later Next from starting a producer.
	s.startOnce.Do(func() {})
	s.release()
	return s.closeErr
}

// All drains the stream into a slice and closes it.
func (s *Stream) All(ctx context.Context) ([]Document, error) {
	defer s.Close()
	docs := make([]Document, 0)
	for s.Next(ctx) {
		docs = append(docs, s.Document())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// Each calls fn for every document in order. A non-nil error from fn stops the
// iteration and is returned.
func (s *Stream) Each(ctx context.Context, fn func(Document) error) error {
	defer s.Close()
	for s.Next(ctx) {
		if err := fn(s.Document()); err != nil {
			return err
		}
	}
	return s.Err()
}

// Seq exposes the stream as a range-over-func sequence. A terminating error is
// yielded once with a nil document. Breaking out of the loop closes the stream.
func (s *Stream) Seq(ctx context.Context) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		defer s.Close()
		for s.Next(ctx) {
			if !yield(s.Document(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, err)
		}
	}
}
