package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStatusStores(t *testing.T) {
	_, client := newRedis(t)
	stores := map[string]StatusStore{
		"memory": NewMemoryStatusStore(),
		"redis":  NewRedisStatusStore(client, 0),
	}
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
				t.Errorf("Get(missing) error = %v", err)
			}

			want := Status{
				JobID: "job-1", State: StateRunning, Progress: 40, Stage: "pose_estimation",
				Attempts: 2, CreatedAt: created, UpdatedAt: created.Add(time.Minute),
			}
			if err := store.Put(ctx, want); err != nil {
				t.Fatal(err)
			}
			want.State, want.Progress, want.CacheHit = StateCompleted, 100, true
			if err := store.Put(ctx, want); err != nil {
				t.Fatal(err)
			}

			got, err := store.Get(ctx, "job-1")
			if err != nil {
				t.Fatal(err)
			}
			if got.State != want.State || got.Progress != 100 || got.Attempts != 2 || !got.CacheHit ||
				got.Stage != want.Stage || !got.CreatedAt.Equal(want.CreatedAt) || !got.UpdatedAt.Equal(want.UpdatedAt) {
				t.Errorf("Get() = %+v, want %+v", got, want)
			}
			if !got.Terminal() {
				t.Error("completed status is not terminal")
			}
		})
	}
}

func TestRedisStatusExpires(t *testing.T) {
	mr, client := newRedis(t)
	store := NewRedisStatusStore(client, time.Hour)
	if err := store.Put(context.Background(), Status{JobID: "job-1", State: StateQueued}); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("job:job-1"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := store.Get(context.Background(), "job-1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get() after expiry error = %v", err)
	}
}

func TestRetryingIsNotTerminal(t *testing.T) {
	for _, state := range []string{StateQueued, StateRunning, StateRetrying} {
		if (Status{State: state}).Terminal() {
			t.Errorf("%s reported terminal", state)
		}
	}
}
