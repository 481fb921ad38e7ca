// Package notify delivers job notifications to users.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bdougie/formcheck/internal/models"
)

// Event is the payload published for a notification
type Event struct {
	Version   string              `json:"version"`
	UserID    string              `json:"userId"`
	Timestamp string              `json:"timestamp"`
	Data      models.Notification `json:"data"`
}

// Channel returns the pub/sub channel of a user.
func Channel(userID string) string {
	return "notifications:" + userID
}

// RedisNotifier publishes notifications on the user's pub/sub channel
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisNotifier creates a notifier publishing through client.
func NewRedisNotifier(client *redis.Client, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, logger: logger.With("component", "notify"), now: time.Now}
}

// Notify publishes n to notifications:{userID}.
func (r *RedisNotifier) Notify(ctx context.Context, userID string, n models.Notification) error {
	payload, err := json.Marshal(Event{
		Version:   "1.0",
		UserID:    userID,
		Timestamp: r.now().UTC().Format(time.RFC3339),
		Data:      n,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	receivers, err := r.client.Publish(ctx, Channel(userID), payload).Result()
	if err != nil {
		return fmt.Errorf("notification publish to %s: %w", Channel(userID), err)
	}
	r.logger.Debug("notification published", "user", userID, "job", n.JobID, "receivers", receivers)
	return nil
}

// LogNotifier writes notifications to the log. It is the alternate channel
// when publishing fails.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify", "channel", "log")}
}

func (l *LogNotifier) Notify(_ context.Context, userID string, n models.Notification) error {
	l.logger.Info("notification",
		"user", userID,
		"type", n.Type,
		"job", n.JobID,
		"score", n.Score,
		"tier", n.Tier,
	)
	return nil
}
