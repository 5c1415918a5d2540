package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/latchpoint/latchpoint/internal/conf"
	"github.com/latchpoint/latchpoint/internal/logger"
)

const mqttPublishTimeout = 5 * time.Second

// MqttClient is the paho-backed Mqtt implementation shared by the
// zigbee2mqtt and zwavejs gateways.
type MqttClient struct {
	client pahomqtt.Client
	log    logger.Logger
}

// NewMqttClient connects to the configured broker. Connection loss is
// handled by paho's auto-reconnect; Publish fails fast while disconnected.
func NewMqttClient(settings conf.MQTTSettings, log logger.Logger) (*MqttClient, error) {
	if settings.Broker == "" {
		return nil, NewError(KindNotConfigured, "mqtt.connect", errors.New("broker not set"))
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(settings.Broker).
		SetClientID(settings.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("mqtt connection lost", logger.Error(err))
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		log.Info("mqtt connected", logger.String("broker", settings.Broker))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttPublishTimeout) {
		return nil, NewError(KindTimeout, "mqtt.connect", errors.New("connect timed out"))
	}
	if err := token.Error(); err != nil {
		return nil, NewError(KindNotReachable, "mqtt.connect", err)
	}
	return &MqttClient{client: client, log: log}, nil
}

// Publish sends payload to topic, failing with KindNotReachable while the
// broker connection is down.
func (m *MqttClient) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	const op = "mqtt.publish"

	if !m.client.IsConnected() {
		return NewError(KindNotReachable, op, errors.New("not connected"))
	}

	token := m.client.Publish(topic, qos, retain, payload)

	deadline := time.Now().Add(mqttPublishTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if !token.WaitTimeout(time.Until(deadline)) {
		return NewError(KindTimeout, op, fmt.Errorf("publish to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return NewError(KindOther, op, err)
	}
	return nil
}

// Subscribe registers handler for topic. Paho re-subscribes automatically
// after a reconnect.
func (m *MqttClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	const op = "mqtt.subscribe"

	token := m.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(mqttPublishTimeout) {
		return NewError(KindTimeout, op, fmt.Errorf("subscribe to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return NewError(KindOther, op, err)
	}
	return nil
}

// Disconnect closes the broker connection.
func (m *MqttClient) Disconnect() {
	m.client.Disconnect(250)
}
