package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"hive-vision-streamer/config"
)

// MQTTSink publishes counts to an MQTT topic at QoS 0
type MQTTSink struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *zap.Logger
}

// NewMQTTSink creates a sink; Connect must be called before use
func NewMQTTSink(cfg config.MQTTConfig, logger *zap.Logger) *MQTTSink {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	s := &MQTTSink{cfg: cfg, logger: logger.With(zap.String("component", "mqtt"))}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("MQTT connection established", zap.String("broker", broker))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.logger.Warn("MQTT connection lost, will auto-reconnect", zap.Error(err))
	}

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect waits up to five seconds for the broker. With retries enabled a
// timeout is not fatal; the client keeps connecting in the background.
func (s *MQTTSink) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Send publishes p unless the client is offline
func (s *MQTTSink) Send(ctx context.Context, p Payload) error {
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	token := s.client.Publish(s.cfg.Topic, 0, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish timeout: %w", ctx.Err())
	}
}

// Close disconnects with a short grace period
func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
