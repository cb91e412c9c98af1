package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// Routing keys published by the registry's HTTP surface.
const (
	RKBeaconCreated = "beacon.created"
	RKBeaconMatched = "beacon.matched"
	RKBeaconStopped = "beacon.stopped"
)

// BeaconCreated is published for every stored beacon.
type BeaconCreated struct {
	BeaconID string `json:"beacon_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Game     string `json:"game"`
	Platform string `json:"platform"`
	Start    int64  `json:"start"` // unix seconds
	End      int64  `json:"end"`
}

// BeaconMatched is published when a new beacon finds other waiting users.
type BeaconMatched struct {
	BeaconID       string   `json:"beacon_id"`
	UserID         string   `json:"user_id"`
	Game           string   `json:"game"`
	Platform       string   `json:"platform"`
	MatchedUserIDs []string `json:"matched_user_ids"`
}

// BeaconStopped is published when a user removes beacons explicitly.
type BeaconStopped struct {
	UserID  string `json:"user_id"`
	Game    string `json:"game,omitempty"`
	Removed int    `json:"removed"`
}

// Decode unmarshals a published payload.
func Decode[T any](b []byte) (T, error) {
	var t T
	if err := json.Unmarshal(b, &t); err != nil {
		var zero T
		return zero, fmt.Errorf("decode payload failed: %w", err)
	}
	return t, nil
}

// Publisher sends JSON events keyed by routing key.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
	Close() error
}

// Config selects and configures a Publisher.
type Config struct {
	Backend     string // "amqp", "mqtt" or "none"
	URL         string
	Exchange    string
	TopicPrefix string
	ClientID    string
}

// New connects the configured backend. An empty backend disables publishing.
func New(cfg Config) (Publisher, error) {
	switch cfg.Backend {
	case "", "none":
		return Nop(), nil
	case "amqp":
		return NewAMQPPublisher(cfg.URL, cfg.Exchange)
	case "mqtt":
		return NewMQTTPublisher(cfg.URL, cfg.ClientID, cfg.TopicPrefix)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

type nopPublisher struct{}

// Nop returns a Publisher that drops every event.
func Nop() Publisher { return nopPublisher{} }

func (nopPublisher) PublishJSON(context.Context, string, any) error { return nil }
func (nopPublisher) Close() error                                   { return nil }
