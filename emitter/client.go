// Package emitter connects timberline to an MQTT broker: tracker events go
// out, control commands come in.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tutortoise/timberline/config"
	"github.com/Tutortoise/timberline/logging"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt not connected")

const publishTimeout = 2 * time.Second

// Client is the subset of mqtt.Client used by this package.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Connect dials the broker with automatic reconnection enabled.
func Connect(ctx context.Context, cfg config.MQTTConfig, logger *logging.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	logger.Info("connecting to mqtt broker", "broker", cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(cfg.ConnectTimeout()):
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout after %s", cfg.ConnectTimeout())
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

func wait(token mqtt.Token, what string) error {
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%s: timeout", what)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
