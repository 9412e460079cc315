// Package mqtt publishes entities to Home Assistant over MQTT discovery and
// routes commands from Home Assistant back to them.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"decora-wifi/internal/domain"
	"decora-wifi/internal/entity"
)

const (
	qos            = 1
	commandTimeout = 30 * time.Second
	connectTimeout = 15 * time.Second
)

// Client is the part of paho.Client the host uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Disconnect(quiesce uint)
}

type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	DiscoveryPrefix string
	TopicPrefix     string
}

// Host implements application.Host on top of an MQTT broker.
type Host struct {
	client Client
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string][]entity.Entity
}

// NewHost wraps an already connected client.
func NewHost(client Client, cfg Config, logger *slog.Logger) *Host {
	return &Host{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string][]entity.Entity),
	}
}

// Connect dials the broker and returns a host that announces itself online,
// resubscribes after reconnects and republishes when Home Assistant restarts.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Host, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "decora-wifi-" + uuid.NewString()[:8]
	}

	h := NewHost(nil, cfg, logger)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(connectTimeout).
		SetWill(h.availabilityTopic(), payloadOffline, qos, true).
		SetOnConnectHandler(func(paho.Client) { h.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("MQTT connection lost", "error", err)
		})

	client := paho.NewClient(opts)
	h.client = client

	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}

	logger.Info("connected to MQTT broker", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return h, nil
}

// Close marks the bridge offline and disconnects.
func (h *Host) Close() {
	if err := h.publish(context.Background(), h.availabilityTopic(), true, payloadOffline); err != nil {
		h.logger.Warn("publishing offline status", "error", err)
	}
	h.client.Disconnect(250)
}

func (h *Host) onConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := h.publish(ctx, h.availabilityTopic(), true, payloadOnline); err != nil {
		h.logger.Error("publishing online status", "error", err)
	}

	statusTopic := h.cfg.DiscoveryPrefix + "/status"
	if err := wait(ctx, h.client.Subscribe(statusTopic, qos, h.handleBirth)); err != nil {
		h.logger.Error("subscribing to Home Assistant status", "topic", statusTopic, "error", err)
	}

	for _, e := range h.all() {
		if err := h.subscribe(ctx, e); err != nil {
			h.logger.Error("resubscribing entity", "entity", e.UniqueID(), "error", err)
		}
	}
}

// handleBirth republishes everything when Home Assistant comes back online,
// since it may have lost the non-retained view of the bridge.
func (h *Host) handleBirth(_ paho.Client, msg paho.Message) {
	if string(msg.Payload()) != payloadOnline {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	h.logger.Info("Home Assistant online, republishing entities")
	for _, e := range h.all() {
		if err := h.announce(ctx, e); err != nil {
			h.logger.Error("republishing entity", "entity", e.UniqueID(), "error", err)
		}
	}
}

// AddEntities announces entities and subscribes to their command topics.
// Entities are recorded first, so RemoveEntities also withdraws the ones
// announced before a failure.
func (h *Host) AddEntities(ctx context.Context, entryID string, entities []entity.Entity) error {
	h.mu.Lock()
	h.entries[entryID] = merge(h.entries[entryID], entities)
	h.mu.Unlock()

	for _, e := range entities {
		if err := h.announce(ctx, e); err != nil {
			return fmt.Errorf("announcing %s: %w", e.UniqueID(), err)
		}
		if err := h.subscribe(ctx, e); err != nil {
			return fmt.Errorf("subscribing %s: %w", e.UniqueID(), err)
		}
	}

	h.logger.Info("entities published", "entry_id", entryID, "count", len(entities))
	return nil
}

func (h *Host) RemoveEntities(ctx context.Context, entryID string) error {
	h.mu.Lock()
	entities := h.entries[entryID]
	delete(h.entries, entryID)
	h.mu.Unlock()

	var errs []error
	for _, e := range entities {
		t := h.topics(e)
		if cmd := commandTopics(t); len(cmd) > 0 {
			if err := wait(ctx, h.client.Unsubscribe(cmd...)); err != nil {
				errs = append(errs, err)
			}
		}
		// an empty retained message clears the topic; an empty config removes
		// the entity from Home Assistant
		for _, topic := range []string{t.State, t.PercentageState, t.Config} {
			if topic == "" {
				continue
			}
			if err := h.publish(ctx, topic, true, ""); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *Host) UpdateState(ctx context.Context, e entity.Entity) error {
	payloads, err := h.statePayloads(e)
	if err != nil {
		return err
	}
	for topic, payload := range payloads {
		if err := h.publish(ctx, topic, true, payload); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) announce(ctx context.Context, e entity.Entity) error {
	cfg, err := h.discoveryConfig(e)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding discovery config: %w", err)
	}
	if err := h.publish(ctx, h.topics(e).Config, true, data); err != nil {
		return err
	}
	return h.UpdateState(ctx, e)
}

func (h *Host) subscribe(ctx context.Context, e entity.Entity) error {
	t := h.topics(e)
	switch v := e.(type) {
	case *entity.Light:
		return wait(ctx, h.client.Subscribe(t.Command, qos, h.commandHandler(e, func(ctx context.Context, payload []byte) error {
			return h.handleLightCommand(ctx, v, payload)
		})))
	case *entity.Fan:
		if err := wait(ctx, h.client.Subscribe(t.Command, qos, h.commandHandler(e, func(ctx context.Context, payload []byte) error {
			return h.handleFanCommand(ctx, v, payload)
		}))); err != nil {
			return err
		}
		return wait(ctx, h.client.Subscribe(t.PercentageCommand, qos, h.commandHandler(e, func(ctx context.Context, payload []byte) error {
			return h.handleFanPercentage(ctx, v, payload)
		})))
	}
	return nil
}

func (h *Host) commandHandler(e entity.Entity, fn func(context.Context, []byte) error) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		h.logger.Debug("command received", "entity", e.UniqueID(), "topic", msg.Topic(), "payload", string(msg.Payload()))

		if err := fn(ctx, msg.Payload()); err != nil {
			h.logger.Error("handling command", "entity", e.UniqueID(), "error", err)
		}
		if err := h.UpdateState(ctx, e); err != nil {
			h.logger.Warn("publishing state after command", "entity", e.UniqueID(), "error", err)
		}
	}
}

func (h *Host) handleLightCommand(ctx context.Context, l *entity.Light, payload []byte) error {
	var cmd LightState
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decoding light command: %w", err)
	}

	if strings.EqualFold(string(cmd.State), string(domain.PowerOff)) {
		return l.TurnOff(ctx)
	}
	return l.TurnOn(ctx, entity.LightTurnOn{
		Brightness: cmd.Brightness,
		Transition: cmd.Transition,
	})
}

func (h *Host) handleFanCommand(ctx context.Context, f *entity.Fan, payload []byte) error {
	switch domain.Power(strings.ToUpper(strings.TrimSpace(string(payload)))) {
	case domain.PowerOn:
		return f.TurnOn(ctx, nil)
	case domain.PowerOff:
		return f.TurnOff(ctx)
	default:
		return fmt.Errorf("unknown fan command %q", payload)
	}
}

func (h *Host) handleFanPercentage(ctx context.Context, f *entity.Fan, payload []byte) error {
	pct, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return fmt.Errorf("parsing fan percentage: %w", err)
	}
	if pct <= 0 {
		return f.TurnOff(ctx)
	}
	return f.TurnOn(ctx, &pct)
}

func (h *Host) publish(ctx context.Context, topic string, retained bool, payload interface{}) error {
	if err := wait(ctx, h.client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

func (h *Host) all() []entity.Entity {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []entity.Entity
	for _, entities := range h.entries {
		out = append(out, entities...)
	}
	return out
}

// merge appends added to existing, replacing entities with the same unique id.
func merge(existing, added []entity.Entity) []entity.Entity {
	replaced := lo.SliceToMap(added, func(e entity.Entity) (string, bool) {
		return e.UniqueID(), true
	})
	kept := lo.Reject(existing, func(e entity.Entity, _ int) bool {
		return replaced[e.UniqueID()]
	})
	return append(kept, added...)
}

func commandTopics(t Topics) []string {
	var out []string
	for _, topic := range []string{t.Command, t.PercentageCommand} {
		if topic != "" {
			out = append(out, topic)
		}
	}
	return out
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
