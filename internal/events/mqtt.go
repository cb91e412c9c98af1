package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttDisconnectQuiesce = 250 // ms

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher maps routing keys onto topics under a prefix,
// e.g. "beacon.matched" -> "beacons/beacon/matched".
type MQTTPublisher struct {
	client mqttClient
	prefix string
}

// NewMQTTPublisher connects to the broker at url.
func NewMQTTPublisher(url, clientID, prefix string) (*MQTTPublisher, error) {
	if clientID == "" {
		clientID = fmt.Sprintf("beacond-%d", time.Now().UnixNano())
	}
	opts := mqtt.NewClientOptions().AddBroker(url).SetClientID(clientID).SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	return &MQTTPublisher{client: client, prefix: prefix}, nil
}

// Topic converts a routing key into an MQTT topic.
func Topic(prefix, key string) string {
	t := strings.ReplaceAll(key, ".", "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return t
	}
	return prefix + "/" + t
}

func (p *MQTTPublisher) PublishJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := p.client.Publish(Topic(p.prefix, key), 1, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(mqttDisconnectQuiesce)
	return nil
}
