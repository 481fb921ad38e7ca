package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/bdougie/formcheck/internal/models"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisNotifierPublishes(t *testing.T) {
	_, client := setupMiniredis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "notifications:u42")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewRedisNotifier(client, nil)
	n.now = func() time.Time { return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC) }

	want := models.Notification{Type: "analysis_complete", JobID: "job-7", Score: 7.25, Tier: "premium"}
	if err := n.Notify(ctx, "u42", want); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.UserID != "u42" || ev.Data != want || ev.Timestamp != "2026-05-01T09:30:00Z" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisNotifierError(t *testing.T) {
	mr, client := setupMiniredis(t)
	mr.Close()

	err := NewRedisNotifier(client, nil).Notify(context.Background(), "u1", models.Notification{JobID: "j"})
	if err == nil || !strings.Contains(err.Error(), "notifications:u1") {
		t.Errorf("error = %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	if err := NewLogNotifier(logger).Notify(context.Background(), "u1", models.Notification{Type: "analysis_complete", JobID: "job-9"}); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"user=u1", "job=job-9", "channel=log"} {
		if !strings.Contains(buf.String(), s) {
			t.Errorf("log output %q missing %q", buf.String(), s)
		}
	}
}
