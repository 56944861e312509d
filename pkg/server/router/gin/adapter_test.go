package gin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/mongoengine/pkg/server/router"
)

func TestGinRouter_MiddlewareOrder(t *testing.T) {
	r := NewRouter()
	var order []string
	mark := func(name string) router.MiddlewareFunc {
		return func(next router.HandlerFunc) router.HandlerFunc {
			return func(c router.Context) error {
				order = append(order, name)
				return next(c)
			}
		}
	}
	r.Use(mark("global"))
	r.GET("/x", func(c router.Context) error {
		order = append(order, "handler")
		return c.JSON(http.StatusOK, map[string]string{"ok": "yes"})
	}, mark("route"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.Join(order, ","); got != "global,route,handler" {
		t.Fatalf("order = %s", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestGinRouter_HandlerErrorBecomes500(t *testing.T) {
	r := NewRouter()
	r.GET("/fail", func(router.Context) error { return errors.New("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestGinRouter_ResponseTracksStatus(t *testing.T) {
	r := NewRouter()
	var status int
	var written bool
	r.GET("/s", func(c router.Context) error {
		err := c.JSON(http.StatusAccepted, nil)
		status, written = c.Response().Status(), c.Response().Written()
		return err
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s", nil))

	if rec.Code != http.StatusAccepted || status != http.StatusAccepted || !written {
		t.Fatalf("code=%d status=%d written=%v", rec.Code, status, written)
	}
}
