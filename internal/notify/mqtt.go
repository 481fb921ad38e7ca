package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bdougie/formcheck/internal/models"
)

// MQTTConfig configures the MQTT notification channel.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	PublishWait time.Duration `yaml:"publish_timeout"`
	ConnectWait time.Duration `yaml:"connect_timeout"`
}

// Publisher is the part of mqtt.Client the notifier uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ConnectMQTT opens an auto-reconnecting client to cfg.Broker.
func ConnectMQTT(cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify", "channel", "mqtt", "broker", cfg.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, reconnecting", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectWait) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s: timeout after %s", cfg.Broker, cfg.ConnectWait)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// MQTTNotifier publishes notifications to {prefix}/{userID}.
type MQTTNotifier struct {
	client  Publisher
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewMQTTNotifier creates a notifier publishing through client.
func NewMQTTNotifier(client Publisher, cfg MQTTConfig, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "formcheck/notifications"
	}
	if cfg.PublishWait <= 0 {
		cfg.PublishWait = 2 * time.Second
	}
	return &MQTTNotifier{
		client:  client,
		prefix:  cfg.TopicPrefix,
		qos:     cfg.QoS,
		timeout: cfg.PublishWait,
		logger:  logger.With("component", "notify", "channel", "mqtt"),
		now:     time.Now,
	}
}

// Topic returns the topic notifications for userID are published on.
func (m *MQTTNotifier) Topic(userID string) string {
	return m.prefix + "/" + userID
}

func (m *MQTTNotifier) Notify(ctx context.Context, userID string, n models.Notification) error {
	payload, err := json.Marshal(Event{
		Version:   "1.0",
		UserID:    userID,
		Timestamp: m.now().UTC().Format(time.RFC3339),
		Data:      n,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	wait := m.timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}

	topic := m.Topic(userID)
	token := m.client.Publish(topic, m.qos, false, payload)
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("notification publish to %s: timeout after %s", topic, wait)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notification publish to %s: %w", topic, err)
	}
	m.logger.Debug("notification published", "topic", topic, "job", n.JobID, "size", len(payload))
	return nil
}
