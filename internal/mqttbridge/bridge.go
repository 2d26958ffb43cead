// Package mqttbridge exposes accessories over MQTT with Home Assistant
// autodiscovery.
package mqttbridge

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/bridge"
	"github.com/dokzlo13/shellyd/internal/store"
)

// Commander is the write-intent surface commands received over MQTT are
// forwarded to. Calls are fire-and-forget; execution order and results
// are the engine's concern.
type Commander interface {
	SetOn(token string, on bool)
	SetBrightness(token string, v float64)
	SetHue(token string, v float64)
	SetSaturation(token string, v float64)
}

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Bridge implements bridge.Bridge over an MQTT broker. Contexts are
// mirrored to the store so accessories survive restarts.
type Bridge struct {
	client pahomqtt.Client
	store  *store.ContextStore
	prefix string

	mu        sync.Mutex
	entries   map[string]bridge.Context
	commander Commander
}

// New creates and connects an MQTT bridge.
func New(cfg Config, contexts *store.ContextStore) (*Bridge, error) {
	b := &Bridge{
		store:   contexts,
		prefix:  cfg.TopicPrefix,
		entries: make(map[string]bridge.Context),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			log.Info().Msg("MQTT connected")
			b.publishBridgeState("online")
			b.republishAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// SetCommander wires the command sink. Commands arriving before this is
// called are dropped.
func (b *Bridge) SetCommander(c Commander) {
	b.mu.Lock()
	b.commander = c
	b.mu.Unlock()
}

// Close publishes offline state and disconnects.
func (b *Bridge) Close() {
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	log.Info().Msg("MQTT bridge stopped")
}

// Register implements bridge.Bridge.
func (b *Bridge) Register(token string, ctx bridge.Context) error {
	b.mu.Lock()
	b.entries[token] = ctx
	b.mu.Unlock()

	if err := b.store.Save(token, ctx); err != nil {
		return err
	}

	msg := buildDiscovery(token, ctx, b.prefix)
	b.publish(msg.Topic, msg.Payload, true)
	b.subscribeCommands(token)
	b.publishState(token, ctx.State)

	log.Info().
		Str("accessory", token).
		Str("name", ctx.Name).
		Str("kind", ctx.Kind).
		Msg("Accessory registered")
	return nil
}

// Unregister implements bridge.Bridge. The retained discovery and state
// topics are cleared unconditionally: the token may be known only from a
// previous process, and the broker would otherwise keep the ghost entity
// forever.
func (b *Bridge) Unregister(token string) error {
	b.mu.Lock()
	delete(b.entries, token)
	b.mu.Unlock()

	if err := b.store.Delete(token); err != nil {
		return err
	}

	b.client.Unsubscribe(commandTopic(b.prefix, token))
	b.publish(discoveryTopic(token), nil, true)
	b.publish(stateTopic(b.prefix, token), nil, true)

	log.Info().Str("accessory", token).Msg("Accessory unregistered")
	return nil
}

// Push implements bridge.Bridge.
func (b *Bridge) Push(token string, char bridge.Characteristic, value any) {
	b.mu.Lock()
	ctx, ok := b.entries[token]
	if !ok {
		b.mu.Unlock()
		return
	}
	applyCharacteristic(&ctx.State, char, value)
	b.entries[token] = ctx
	b.mu.Unlock()

	if err := b.store.Save(token, ctx); err != nil {
		log.Warn().Err(err).Str("accessory", token).Msg("Failed to persist accessory context")
	}
	b.publishState(token, ctx.State)
}

// Contexts implements bridge.Bridge from the persisted store, so the
// engine can restore accessories before the first poll.
func (b *Bridge) Contexts() (map[string]bridge.Context, error) {
	return b.store.All()
}

func applyCharacteristic(st *bridge.LightState, char bridge.Characteristic, value any) {
	switch char {
	case bridge.CharOn:
		if v, ok := value.(bool); ok {
			st.On = v
		}
	case bridge.CharBrightness:
		if v, ok := toFloat64(value); ok {
			st.Brightness = v
		}
	case bridge.CharHue:
		if v, ok := toFloat64(value); ok {
			st.Hue = v
		}
	case bridge.CharSaturation:
		if v, ok := toFloat64(value); ok {
			st.Saturation = v
		}
	}
}

// republishAll re-announces every known accessory. Runs on every
// (re)connect: retained messages cover most of it, but subscriptions do
// not survive a new session.
func (b *Bridge) republishAll() {
	b.mu.Lock()
	entries := make(map[string]bridge.Context, len(b.entries))
	for token, ctx := range b.entries {
		entries[token] = ctx
	}
	b.mu.Unlock()

	for token, ctx := range entries {
		msg := buildDiscovery(token, ctx, b.prefix)
		b.publish(msg.Topic, msg.Payload, true)
		b.subscribeCommands(token)
		b.publishState(token, ctx.State)
	}
}

func (b *Bridge) subscribeCommands(token string) {
	topic := commandTopic(b.prefix, token)
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(token, msg.Payload())
	})
}

func (b *Bridge) handleCommand(token string, payload []byte) {
	b.mu.Lock()
	commander := b.commander
	b.mu.Unlock()
	if commander == nil {
		log.Warn().Str("accessory", token).Msg("Command received before engine start, dropped")
		return
	}

	cmd, err := parseCommand(payload)
	if err != nil {
		log.Warn().Err(err).Str("accessory", token).Msg("Invalid command payload")
		return
	}

	if cmd.Hue != nil {
		commander.SetHue(token, *cmd.Hue)
	}
	if cmd.Saturation != nil {
		commander.SetSaturation(token, *cmd.Saturation)
	}
	switch {
	case cmd.Brightness != nil:
		commander.SetBrightness(token, *cmd.Brightness)
	case cmd.On != nil:
		commander.SetOn(token, *cmd.On)
	}
}

func (b *Bridge) publishState(token string, st bridge.LightState) {
	b.publish(stateTopic(b.prefix, token), buildStatePayload(st), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			log.Warn().Str("topic", topic).Msg("MQTT publish timeout")
		} else if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish error")
		}
	}()
}
