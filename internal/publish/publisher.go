// Package publish mirrors area state onto MQTT as retained messages,
// with Home Assistant discovery for each area.
package publish

import (
	"errors"
	"fmt"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when publishing while the broker is unreachable
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrPublishFailed is returned when a publish operation fails
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	qos            = 1
)

// Config holds MQTT publisher configuration
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// Publisher writes area state to an MQTT broker
type Publisher struct {
	client pahomqtt.Client
	prefix string
	logger *zap.Logger
	areas  []*area.Area
}

// Connect creates a publisher and connects it to the broker. Discovery
// for areas is (re)announced on every connect.
func Connect(cfg Config, areas []*area.Area, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		prefix: cfg.TopicPrefix,
		logger: logger.Named("mqtt"),
		areas:  areas,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(statusTopic(cfg.TopicPrefix), "offline", qos, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
			go p.announce()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.logger.Warn("MQTT connection lost", zap.Error(err))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	p.client = client

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return p, nil
}

// PublishTransition publishes the new state of an area
func (p *Publisher) PublishTransition(tr occupancy.Transition) error {
	msg, err := buildStateMessage(p.prefix, tr)
	if err != nil {
		return err
	}
	return p.publish(msg)
}

// PublishLightEvent publishes the last light action of an area
func (p *Publisher) PublishLightEvent(ev lightcontrol.Event, manual bool) error {
	msg, err := buildLightsMessage(p.prefix, ev, manual)
	if err != nil {
		return err
	}
	return p.publish(msg)
}

// Close announces offline and disconnects
func (p *Publisher) Close() {
	if err := p.publish(message{Topic: statusTopic(p.prefix), Payload: []byte("offline")}); err != nil {
		p.logger.Debug("Failed to publish offline status", zap.Error(err))
	}
	p.client.Disconnect(1000)
	p.logger.Info("MQTT publisher stopped")
}

func (p *Publisher) announce() {
	if err := p.publish(message{Topic: statusTopic(p.prefix), Payload: []byte("online")}); err != nil {
		p.logger.Warn("Failed to publish online status", zap.Error(err))
	}

	for _, a := range p.areas {
		msg, err := buildDiscovery(p.prefix, a)
		if err != nil {
			p.logger.Error("Failed to build discovery", zap.String("area", a.ID), zap.Error(err))
			continue
		}
		if err := p.publish(msg); err != nil {
			p.logger.Warn("Failed to publish discovery", zap.String("area", a.ID), zap.Error(err))
		}
	}
}

func (p *Publisher) publish(msg message) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := p.client.Publish(msg.Topic, qos, true, msg.Payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
