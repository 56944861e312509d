package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/mongoengine/pkg/config"
	"github.com/nimburion/mongoengine/pkg/observability/logger"
	"github.com/nimburion/mongoengine/pkg/store/memory"
)

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

type harness struct {
	coll   *memory.Collection
	health fakeHealth
}

func newHarness() *harness {
	return &harness{coll: memory.NewCollection("documents")}
}

func (h *harness) exec(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	return h.execContext(t, context.Background(), stdin, args...)
}

func (h *harness) execContext(t *testing.T, ctx context.Context, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewCommand(Options{
		EnvPrefix: "CLITEST",
		Connect: func(context.Context, *config.Config, logger.Logger) (*Backend, error) {
			return &Backend{Collection: h.coll, Health: h.health}, nil
		},
		Stdin:  strings.NewReader(stdin),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}

func TestVersionCommand(t *testing.T) {
	out, _, err := newHarness().exec(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Service:    mongoengine") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestConfigShow_RedactsURL(t *testing.T) {
	t.Setenv("CLITEST_DATABASE_URL", "mongodb://admin:hunter2@db:27017")

	out, _, err := newHarness().exec(t, "", "config", "show", "--collection", "people")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked: %s", out)
	}
	if !strings.Contains(out, "collection: people") {
		t.Fatalf("expected flag override in output: %s", out)
	}
}

func TestCreateFindUpdateRemove(t *testing.T) {
	h := newHarness()

	out, _, err := h.exec(t, "{\"name\":\"grace\",\"n\":2}\n\n{\"name\":\"ada\",\"n\":1}\n", "create")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := lines(out); len(got) != 2 || strings.Contains(got[0], "$oid") {
		t.Fatalf("expected two created documents with string ids, got %q", out)
	}

	out, _, err = h.exec(t, "", "find", "--sort", "name", "--fields", "name")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got := lines(out)
	if len(got) != 2 || !strings.Contains(got[0], "ada") || !strings.Contains(got[1], "grace") {
		t.Fatalf("expected ada then grace, got %q", out)
	}

	out, _, err = h.exec(t, "", "find", "--stream", "--filter", `{"name":"grace"}`)
	if err != nil {
		t.Fatalf("find --stream: %v", err)
	}
	if got := lines(out); len(got) != 1 || !strings.Contains(got[0], "grace") {
		t.Fatalf("expected grace, got %q", out)
	}

	out, _, err = h.exec(t, "", "update", "--filter", `{"name":"ada"}`, `{"n":10}`)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if strings.TrimSpace(out) != "1" {
		t.Fatalf("expected 1 match, got %q", out)
	}

	out, _, err = h.exec(t, "", "count", "--filter", `{"n":10}`)
	if err != nil || strings.TrimSpace(out) != "1" {
		t.Fatalf("expected count 1, got %q (%v)", out, err)
	}

	out, _, err = h.exec(t, "", "remove", "--filter", `{"name":"nobody"}`)
	if err != nil || strings.TrimSpace(out) != "0" {
		t.Fatalf("expected zero-match remove to print 0, got %q (%v)", out, err)
	}

	out, _, err = h.exec(t, "", "remove", "--all")
	if err != nil || strings.TrimSpace(out) != "2" {
		t.Fatalf("expected 2 removed, got %q (%v)", out, err)
	}
}

func TestUpdate_NoMatch(t *testing.T) {
	_, _, err := newHarness().exec(t, "", "update", "--id", "0123456789abcdef01234567", `{"n":1}`)
	if err == nil || err.Error() != "no document matched" {
		t.Fatalf("expected no document matched, got %v", err)
	}
}

func TestUpdate_RequiresSelector(t *testing.T) {
	_, _, err := newHarness().exec(t, "", "update", `{"n":1}`)
	if err == nil || !strings.Contains(err.Error(), "exactly one of --filter or --id") {
		t.Fatalf("expected selector error, got %v", err)
	}
}

func TestRemove_RequiresFilter(t *testing.T) {
	_, _, err := newHarness().exec(t, "", "remove")
	if err == nil || !strings.Contains(err.Error(), "--all") {
		t.Fatalf("expected filter error, got %v", err)
	}
}

func TestGetAndDelete(t *testing.T) {
	h := newHarness()
	_, _, err := h.exec(t, "", "create", `{"_id":"order-1","total":5}`)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	out, _, err := h.exec(t, "", "get", "order-1")
	if err != nil || !strings.Contains(out, "order-1") || !strings.Contains(out, "total") {
		t.Fatalf("expected order, got %q (%v)", out, err)
	}
	if _, _, err := h.exec(t, "", "delete", "order-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := h.exec(t, "", "delete", "order-1"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHealthcheck(t *testing.T) {
	h := newHarness()
	out, _, err := h.exec(t, "", "healthcheck")
	if err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	if !strings.Contains(out, "status: healthy") {
		t.Fatalf("unexpected output %q", out)
	}

	h.health = fakeHealth{err: errors.New("connection refused")}
	if _, _, err := h.exec(t, "", "healthcheck"); err == nil || !strings.Contains(err.Error(), "mongodb") {
		t.Fatalf("expected mongodb unhealthy, got %v", err)
	}
}

func TestServe_RequiresManagementAddr(t *testing.T) {
	if _, _, err := newHarness().exec(t, "", "serve"); err == nil || !strings.Contains(err.Error(), "--management-addr") {
		t.Fatalf("expected missing address error, got %v", err)
	}
}

func TestServe_ExposesHealth(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()

	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := h.execContext(t, ctx, "", "serve", "--management-addr", addr)
		done <- err
	}()

	url := fmt.Sprintf("http://%s/health", addr)
	var status int
	for i := 0; i < 100; i++ {
		resp, err := http.Get(url)
		if err == nil {
			status = resp.StatusCode
			resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != http.StatusOK {
		t.Fatalf("GET /health status = %d", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestParseSort(t *testing.T) {
	fields, err := parseSort("a, -b,+c")
	if err != nil {
		t.Fatalf("parseSort: %v", err)
	}
	if len(fields) != 3 || fields[0].Field != "a" || fields[1].Field != "b" || fields[1].Order != -1 || fields[2].Field != "c" {
		t.Fatalf("unexpected fields %+v", fields)
	}
	if _, err := parseSort("-"); err == nil {
		t.Fatal("expected error for empty field")
	}
}
