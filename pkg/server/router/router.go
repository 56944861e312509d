// Package router defines the routing abstraction the management server is built on.
package router

import "net/http"

// Router registers handlers and serves them.
type Router interface {
	GET(path string, handler HandlerFunc, middleware ...MiddlewareFunc)

	// Use applies middleware to every route registered afterwards.
	Use(middleware ...MiddlewareFunc)

	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// HandlerFunc handles one request.
type HandlerFunc func(Context) error

// MiddlewareFunc wraps a HandlerFunc.
type MiddlewareFunc func(HandlerFunc) HandlerFunc

// Context gives handlers access to the request and response independently of the
// underlying router.
type Context interface {
	Request() *http.Request
	SetRequest(r *http.Request)
	Response() ResponseWriter

	// JSON writes v as JSON with the given status code.
	JSON(code int, v any) error
}

// ResponseWriter tracks the status written to the client.
type ResponseWriter interface {
	http.ResponseWriter

	// Status returns the status code written, or 200 before anything was written.
	Status() int
	// Written reports whether the header has been sent.
	Written() bool
}
