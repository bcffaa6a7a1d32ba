package atomberg

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joshp123/gofan/internal/config"
)

const (
	commandTimeout = 15 * time.Second
	connectWait    = 15 * time.Second
	publishWait    = 5 * time.Second
)

type pubsub interface {
	subscribe(topic string, cb func([]byte)) (func(), error)
	publish(topic string, payload []byte, retained bool) error
}

type mqttClient struct {
	client mqtt.Client
	mu     sync.Mutex
	subs   map[string]map[int]func([]byte)
	nextID int
}

func dialMQTT(cfg config.MQTTConfig) (*mqttClient, error) {
	password, err := cfg.ResolvePassword()
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(password)
	opts.SetClientID("gofan-" + uuid.NewString())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWill(bridgeStatusTopic(cfg.TopicPrefix), "offline", 1, true)

	mc := &mqttClient{subs: make(map[string]map[int]func([]byte))}
	opts.SetDefaultPublishHandler(mc.dispatch)
	opts.OnConnect = func(c mqtt.Client) {
		c.Publish(bridgeStatusTopic(cfg.TopicPrefix), 1, true, "online")
		mc.resubscribeAll()
	}
	client := mqtt.NewClient(opts)
	mc.client = client
	// with connect retry the token only completes once the broker is up
	if token := client.Connect(); token.WaitTimeout(connectWait) && token.Error() != nil {
		return nil, token.Error()
	}
	return mc, nil
}

func (c *mqttClient) subscribe(topic string, cb func([]byte)) (func(), error) {
	c.mu.Lock()
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]func([]byte))
	}
	id := c.nextID
	c.nextID++
	c.subs[topic][id] = cb
	needSubscribe := len(c.subs[topic]) == 1
	c.mu.Unlock()

	if needSubscribe {
		// a timed-out subscribe is retried by resubscribeAll on connect
		if token := c.client.Subscribe(topic, 1, nil); token.WaitTimeout(publishWait) && token.Error() != nil {
			return nil, token.Error()
		}
	}

	return func() {
		c.mu.Lock()
		callbacks := c.subs[topic]
		if callbacks == nil {
			c.mu.Unlock()
			return
		}
		delete(callbacks, id)
		shouldUnsub := len(callbacks) == 0
		if shouldUnsub {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		if shouldUnsub {
			_ = c.client.Unsubscribe(topic).WaitTimeout(publishWait)
		}
	}, nil
}

func (c *mqttClient) publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishWait) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

func (c *mqttClient) dispatch(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	callbacks := c.subs[msg.Topic()]
	list := make([]func([]byte), 0, len(callbacks))
	for _, cb := range callbacks {
		list = append(list, cb)
	}
	c.mu.Unlock()
	for _, cb := range list {
		cb(msg.Payload())
	}
}

func (c *mqttClient) resubscribeAll() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	for _, topic := range topics {
		_ = c.client.Subscribe(topic, 1, nil).WaitTimeout(publishWait)
	}
}

func (c *mqttClient) close() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}

// MQTTHost mirrors accessories onto an MQTT broker: retained state and
// availability per fan, commands accepted on the set topic.
type MQTTHost struct {
	bus    pubsub
	prefix string
	logger zerolog.Logger
	closer func()
}

func NewMQTTHost(cfg config.MQTTConfig, logger zerolog.Logger) (*MQTTHost, error) {
	mc, err := dialMQTT(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect mqtt %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	host := newMQTTHost(mc, cfg.TopicPrefix, logger)
	host.closer = mc.close
	return host, nil
}

func newMQTTHost(bus pubsub, prefix string, logger zerolog.Logger) *MQTTHost {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = config.DefaultMQTTTopicPrefix
	}
	return &MQTTHost{bus: bus, prefix: prefix, logger: logger.With().Str("component", "mqtt_host").Logger()}
}

func (h *MQTTHost) Close() {
	if h.closer != nil {
		h.closer()
	}
}

func bridgeStatusTopic(prefix string) string {
	return strings.Trim(prefix, "/") + "/bridge/status"
}

func (h *MQTTHost) topic(deviceID, leaf string) string {
	return h.prefix + "/" + deviceID + "/" + leaf
}

type mqttConsumer struct {
	host     *MQTTHost
	deviceID string
	unsub    func()
}

func (c *mqttConsumer) UpdateState(state DeviceState) {
	c.host.publishState(c.deviceID, state)
}

func (h *MQTTHost) Register(device Device, state DeviceState, ctl Controller) (Consumer, error) {
	id := device.DeviceID
	unsub, err := h.bus.subscribe(h.topic(id, "set"), func(payload []byte) {
		h.handleSet(ctl, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", h.topic(id, "set"), err)
	}
	h.publishInfo(device)
	h.publishState(id, state)
	return &mqttConsumer{host: h, deviceID: id, unsub: unsub}, nil
}

func (h *MQTTHost) Update(device Device, _ Consumer) {
	h.publishInfo(device)
}

// Remove clears the retained topics of the fan.
func (h *MQTTHost) Remove(device Device, consumer Consumer) {
	if c, ok := consumer.(*mqttConsumer); ok && c.unsub != nil {
		c.unsub()
	}
	for _, leaf := range []string{"state", "availability", "info"} {
		h.send(h.topic(device.DeviceID, leaf), nil)
	}
}

func (h *MQTTHost) handleSet(ctl Controller, payload []byte) {
	logger := h.logger.With().Str("device_id", ctl.DeviceID()).Logger()
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		logger.Warn().Err(err).Str("payload", string(payload)).Msg("ignoring malformed set payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := ctl.Send(ctx, cmd); err != nil {
		logger.Warn().Err(err).Msg("set command failed")
	}
}

func (h *MQTTHost) publishState(deviceID string, state DeviceState) {
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	h.send(h.topic(deviceID, "state"), payload)
	availability := "offline"
	if state.IsOnline {
		availability = "online"
	}
	h.send(h.topic(deviceID, "availability"), []byte(availability))
}

func (h *MQTTHost) publishInfo(device Device) {
	payload, err := json.Marshal(device)
	if err != nil {
		return
	}
	h.send(h.topic(device.DeviceID, "info"), payload)
}

func (h *MQTTHost) send(topic string, payload []byte) {
	if err := h.bus.publish(topic, payload, true); err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}
