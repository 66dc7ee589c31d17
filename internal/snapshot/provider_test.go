package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

var handle = models.ResourceHandle{Service: "ec2", LimitID: "L-1", Region: "us-east-1", Kind: models.KindInstances}

type querierFunc func(ctx context.Context, h models.ResourceHandle) (contracts.CapacityReading, error)

func (f querierFunc) GetCapacity(ctx context.Context, h models.ResourceHandle) (contracts.CapacityReading, error) {
	return f(ctx, h)
}

func TestFetchAppendsHistory(t *testing.T) {
	s := store.NewMemoryStore()
	q := querierFunc(func(ctx context.Context, h models.ResourceHandle) (contracts.CapacityReading, error) {
		return contracts.CapacityReading{Usage: 42, Limit: 100}, nil
	})
	p := NewProvider(q, s, time.Second)

	snap, err := p.Fetch(context.Background(), handle)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.Usage != 42 || snap.Limit != 100 {
		t.Errorf("snapshot = %+v", snap)
	}

	latest, err := s.LatestSnapshot(context.Background(), handle.Key())
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if latest.Usage != 42 {
		t.Errorf("history usage = %v, want 42", latest.Usage)
	}
}

func TestFetchErrorIsUnavailable(t *testing.T) {
	s := store.NewMemoryStore()
	q := querierFunc(func(ctx context.Context, h models.ResourceHandle) (contracts.CapacityReading, error) {
		return contracts.CapacityReading{}, errors.New("throttled")
	})
	p := NewProvider(q, s, time.Second)

	_, err := p.Fetch(context.Background(), handle)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	// Failed fetches leave no history.
	if _, err := s.LatestSnapshot(context.Background(), handle.Key()); !store.IsNotFound(err) {
		t.Errorf("failed fetch recorded history: %v", err)
	}
}

func TestFetchHonorsTimeout(t *testing.T) {
	s := store.NewMemoryStore()
	q := querierFunc(func(ctx context.Context, h models.ResourceHandle) (contracts.CapacityReading, error) {
		select {
		case <-ctx.Done():
			return contracts.CapacityReading{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return contracts.CapacityReading{Usage: 1, Limit: 1}, nil
		}
	})
	p := NewProvider(q, s, 10*time.Millisecond)

	start := time.Now()
	_, err := p.Fetch(context.Background(), handle)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("fetch did not respect its timeout")
	}
}

func TestHistoryWindow(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		s.AppendSnapshot(context.Background(), models.Snapshot{
			Handle:    handle,
			Timestamp: now.Add(-time.Duration(i) * 24 * time.Hour),
			Usage:     float64(i),
			Limit:     100,
		})
	}
	p := NewProvider(nil, s, time.Second)

	got, err := p.History(context.Background(), handle, 3*24*time.Hour+time.Minute)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("history window returned %d samples, want 4", len(got))
	}
}
