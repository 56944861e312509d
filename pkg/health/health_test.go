package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeAdapter struct {
	err   error
	delay time.Duration
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestAdapterChecker(t *testing.T) {
	tests := []struct {
		name    string
		adapter *fakeAdapter
		timeout time.Duration
		want    Status
	}{
		{name: "healthy", adapter: &fakeAdapter{}, want: StatusHealthy},
		{name: "failing", adapter: &fakeAdapter{err: errors.New("connection refused")}, want: StatusUnhealthy},
		{name: "timeout", adapter: &fakeAdapter{delay: time.Second}, timeout: 10 * time.Millisecond, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewAdapterChecker("mongodb", tt.adapter, tt.timeout).Check(context.Background())
			if result.Status != tt.want {
				t.Fatalf("expected %s, got %s (%s)", tt.want, result.Status, result.Error)
			}
			if result.Name != "mongodb" {
				t.Fatalf("unexpected name %q", result.Name)
			}
			if tt.want == StatusUnhealthy && result.Error == "" {
				t.Fatal("expected error message")
			}
		})
	}
}

func TestRegistry_Check(t *testing.T) {
	r := NewRegistry()
	r.Register(NewAdapterChecker("mongodb", &fakeAdapter{}, 0))
	r.Register(NewCheckFunc("collection", func(context.Context) error { return nil }))

	result := r.Check(context.Background())
	if !result.IsHealthy() {
		t.Fatalf("expected healthy, got %s", result.Status)
	}
	if len(result.Checks) != 2 || result.Checks[0].Name != "collection" || result.Checks[1].Name != "mongodb" {
		t.Fatalf("expected results ordered by name, got %+v", result.Checks)
	}

	r.Register(NewCheckFunc("collection", func(context.Context) error { return errors.New("missing") }))
	result = r.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", result.Status)
	}
	if len(result.Checks) != 2 {
		t.Fatalf("expected replacement, got %d checks", len(result.Checks))
	}
}
