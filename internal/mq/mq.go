package mq

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaalot/apiserver/config"
)

// Message is a broker-agnostic event as seen by subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. A returned error nacks it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Backend is implemented by each supported broker.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ carries notification events to the delivery workers.
type MQ struct {
	backend Backend
	name    string
}

func New(backend Backend, name string) *MQ {
	return &MQ{backend: backend, name: name}
}

// Open connects the backend named by cfg.Backend. An empty backend returns
// a nil MQ and no error; callers treat that as publishing disabled.
func Open(ctx context.Context, cfg config.MQConfig) (*MQ, error) {
	switch name := strings.ToLower(strings.TrimSpace(cfg.Backend)); name {
	case "":
		return nil, nil
	case "rabbitmq":
		client, err := NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return New(client, name), nil
	case "pubsub":
		client, err := NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		return New(client, name), nil
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.Backend)
	}
}

// Backend returns the configured broker name.
func (m *MQ) Backend() string {
	return m.name
}

func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// Subscribe blocks, feeding messages from channel to handler until ctx ends.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

func (m *MQ) Close() error {
	return m.backend.Close()
}
