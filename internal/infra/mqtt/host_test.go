package mqtt_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decora-wifi/internal/domain"
	"decora-wifi/internal/entity"
	"decora-wifi/internal/infra/mqtt"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type published struct {
	payload  string
	retained bool
}

type mockClient struct {
	mu           sync.Mutex
	published    map[string]published
	handlers     map[string]paho.MessageHandler
	unsubscribed []string
	publishErr   error
	failTopic    string
}

func newMockClient() *mockClient {
	return &mockClient{
		published: make(map[string]published),
		handlers:  make(map[string]paho.MessageHandler),
	}
}

func (c *mockClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return doneToken{err: c.publishErr}
	}
	if topic == c.failTopic {
		return doneToken{err: errors.New("publish rejected")}
	}
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	c.published[topic] = published{payload: s, retained: retained}
	return doneToken{}
}

func (c *mockClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return doneToken{}
}

func (c *mockClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
		c.unsubscribed = append(c.unsubscribed, t)
	}
	return doneToken{}
}

func (c *mockClient) Disconnect(uint) {}

func (c *mockClient) get(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.published[topic]
	return p, ok
}

func (c *mockClient) deliver(topic, payload string) {
	c.mu.Lock()
	cb := c.handlers[topic]
	c.mu.Unlock()
	cb(nil, message{topic: topic, payload: []byte(payload)})
}

type mockController struct {
	switches map[int64]domain.IotSwitch
	updates  []domain.SwitchUpdate
}

func (c *mockController) Switch(_ context.Context, id int64) (domain.IotSwitch, error) {
	return c.switches[id], nil
}

func (c *mockController) UpdateSwitch(_ context.Context, id int64, u domain.SwitchUpdate) (domain.IotSwitch, error) {
	c.updates = append(c.updates, u)
	sw := u.Apply(c.switches[id])
	c.switches[id] = sw
	return sw, nil
}

type session struct{ on bool }

func (s session) Name() string     { return "Decora_Wifi - user@example.com" }
func (s session) UniqueID() string { return "42" }
func (s session) IsOn() bool       { return s.on }

func fixture(t *testing.T) (*mqtt.Host, *mockClient, *mockController, []entity.Entity) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := newMockClient()
	ctrl := &mockController{switches: map[int64]domain.IotSwitch{
		1: {ID: 1, Name: "Kitchen", MAC: "AA-BB-CC-00-00-01", Model: "DW6HD", Power: domain.PowerOn, Brightness: 40, CanSetLevel: true},
		2: {ID: 2, Name: "Porch", MAC: "AA-BB-CC-00-00-02", Model: "DW15S", Power: domain.PowerOff},
		3: {ID: 3, Name: "Ceiling Fan", MAC: "AA-BB-CC-00-00-03", Model: "DW4SF", Power: domain.PowerOn, Brightness: 50},
	}}

	host := mqtt.NewHost(client, mqtt.Config{DiscoveryPrefix: "homeassistant", TopicPrefix: "decora"}, logger)
	entities := []entity.Entity{
		entity.NewConnectivity(session{on: true}),
		entity.NewLight(ctrl.switches[1], ctrl, logger),
		entity.NewLight(ctrl.switches[2], ctrl, logger),
		entity.NewFan(ctrl.switches[3], ctrl, logger),
	}
	return host, client, ctrl, entities
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func TestHost_AddEntitiesPublishesDiscovery(t *testing.T) {
	host, client, _, entities := fixture(t)

	require.NoError(t, host.AddEntities(context.Background(), "entry-1", entities))

	dimmer, ok := client.get("homeassistant/light/aa_bb_cc_00_00_01/config")
	require.True(t, ok)
	assert.True(t, dimmer.retained)
	cfg := decode(t, dimmer.payload)
	assert.Equal(t, "json", cfg["schema"])
	assert.Equal(t, true, cfg["brightness"])
	assert.Equal(t, float64(255), cfg["brightness_scale"])
	assert.Equal(t, "decora/light/aa_bb_cc_00_00_01/set", cfg["command_topic"])
	assert.Equal(t, "decora/status", cfg["availability_topic"])
	assert.Equal(t, "AA-BB-CC-00-00-01", cfg["unique_id"])

	onoff, ok := client.get("homeassistant/light/aa_bb_cc_00_00_02/config")
	require.True(t, ok)
	cfg = decode(t, onoff.payload)
	assert.NotContains(t, cfg, "brightness")
	assert.Equal(t, []any{"onoff"}, cfg["supported_color_modes"])

	fan, ok := client.get("homeassistant/fan/aa_bb_cc_00_00_03/config")
	require.True(t, ok)
	cfg = decode(t, fan.payload)
	assert.Equal(t, "decora/fan/aa_bb_cc_00_00_03/percentage/set", cfg["percentage_command_topic"])

	sensor, ok := client.get("homeassistant/binary_sensor/42/config")
	require.True(t, ok)
	cfg = decode(t, sensor.payload)
	assert.Equal(t, "connectivity", cfg["device_class"])

	state, ok := client.get("decora/light/aa_bb_cc_00_00_01/state")
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"ON","brightness":102,"color_mode":"brightness"}`, state.payload)

	state, _ = client.get("decora/light/aa_bb_cc_00_00_02/state")
	assert.JSONEq(t, `{"state":"OFF","color_mode":"onoff"}`, state.payload)

	state, _ = client.get("decora/fan/aa_bb_cc_00_00_03/percentage")
	assert.Equal(t, "50", state.payload)

	state, _ = client.get("decora/binary_sensor/42/state")
	assert.Equal(t, "ON", state.payload)

	assert.Len(t, client.handlers, 4)
}

func TestHost_LightCommands(t *testing.T) {
	host, client, ctrl, entities := fixture(t)
	require.NoError(t, host.AddEntities(context.Background(), "entry-1", entities))

	client.deliver("decora/light/aa_bb_cc_00_00_01/set", `{"state":"ON","brightness":255,"transition":2}`)

	require.Len(t, ctrl.updates, 1)
	u := ctrl.updates[0]
	assert.Equal(t, domain.PowerOn, *u.Power)
	assert.Equal(t, 100, *u.Brightness)
	assert.Equal(t, 2, *u.FadeOnTime)
	assert.Equal(t, 2, *u.FadeOffTime)

	state, _ := client.get("decora/light/aa_bb_cc_00_00_01/state")
	assert.JSONEq(t, `{"state":"ON","brightness":255,"color_mode":"brightness"}`, state.payload)

	client.deliver("decora/light/aa_bb_cc_00_00_01/set", `{"state":"OFF"}`)
	require.Len(t, ctrl.updates, 2)
	assert.Equal(t, domain.PowerOff, *ctrl.updates[1].Power)

	client.deliver("decora/light/aa_bb_cc_00_00_01/set", `not json`)
	assert.Len(t, ctrl.updates, 2)
}

func TestHost_FanCommands(t *testing.T) {
	host, client, ctrl, entities := fixture(t)
	require.NoError(t, host.AddEntities(context.Background(), "entry-1", entities))

	client.deliver("decora/fan/aa_bb_cc_00_00_03/percentage/set", "75")
	require.Len(t, ctrl.updates, 1)
	assert.Equal(t, 75, *ctrl.updates[0].Brightness)

	state, _ := client.get("decora/fan/aa_bb_cc_00_00_03/percentage")
	assert.Equal(t, "75", state.payload)

	client.deliver("decora/fan/aa_bb_cc_00_00_03/percentage/set", "0")
	require.Len(t, ctrl.updates, 2)
	assert.Equal(t, domain.PowerOff, *ctrl.updates[1].Power)

	client.deliver("decora/fan/aa_bb_cc_00_00_03/set", "on")
	require.Len(t, ctrl.updates, 3)
	assert.Equal(t, domain.PowerOn, *ctrl.updates[2].Power)
	assert.Nil(t, ctrl.updates[2].Brightness)

	client.deliver("decora/fan/aa_bb_cc_00_00_03/set", "toggle")
	assert.Len(t, ctrl.updates, 3)
}

func TestHost_RemoveEntities(t *testing.T) {
	host, client, _, entities := fixture(t)
	ctx := context.Background()
	require.NoError(t, host.AddEntities(ctx, "entry-1", entities))

	require.NoError(t, host.RemoveEntities(ctx, "entry-1"))

	cfg, ok := client.get("homeassistant/light/aa_bb_cc_00_00_01/config")
	require.True(t, ok)
	assert.Empty(t, cfg.payload)
	assert.True(t, cfg.retained)

	for _, topic := range []string{
		"decora/light/aa_bb_cc_00_00_01/state",
		"decora/fan/aa_bb_cc_00_00_03/percentage",
		"decora/binary_sensor/42/state",
	} {
		state, _ := client.get(topic)
		assert.Empty(t, state.payload, topic)
	}

	assert.ElementsMatch(t, []string{
		"decora/light/aa_bb_cc_00_00_01/set",
		"decora/light/aa_bb_cc_00_00_02/set",
		"decora/fan/aa_bb_cc_00_00_03/set",
		"decora/fan/aa_bb_cc_00_00_03/percentage/set",
	}, client.unsubscribed)
	assert.Empty(t, client.handlers)
}

func TestHost_PublishFailure(t *testing.T) {
	host, client, _, entities := fixture(t)
	client.publishErr = errors.New("not connected")

	err := host.AddEntities(context.Background(), "entry-1", entities)
	assert.ErrorContains(t, err, "not connected")

	assert.Error(t, host.UpdateState(context.Background(), entities[1]))
}

func TestHost_RemoveAfterPartialAdd(t *testing.T) {
	host, client, _, entities := fixture(t)
	ctx := context.Background()
	client.failTopic = "homeassistant/fan/aa_bb_cc_00_00_03/config"

	err := host.AddEntities(ctx, "entry-1", entities)
	require.ErrorContains(t, err, "publish rejected")

	announced, _ := client.get("homeassistant/light/aa_bb_cc_00_00_01/config")
	require.NotEmpty(t, announced.payload)

	client.failTopic = ""
	require.NoError(t, host.RemoveEntities(ctx, "entry-1"))

	for _, topic := range []string{
		"homeassistant/binary_sensor/42/config",
		"homeassistant/light/aa_bb_cc_00_00_01/config",
		"homeassistant/light/aa_bb_cc_00_00_02/config",
		"homeassistant/fan/aa_bb_cc_00_00_03/config",
	} {
		cfg, ok := client.get(topic)
		require.True(t, ok, topic)
		assert.Empty(t, cfg.payload, topic)
	}
	assert.Empty(t, client.handlers)
}

func TestHost_AddEntitiesReplacesKnown(t *testing.T) {
	host, client, _, entities := fixture(t)
	ctx := context.Background()

	require.NoError(t, host.AddEntities(ctx, "entry-1", entities))
	require.NoError(t, host.AddEntities(ctx, "entry-1", entities[1:2]))
	require.NoError(t, host.RemoveEntities(ctx, "entry-1"))

	// each command topic is dropped once
	assert.Len(t, client.unsubscribed, 4)
}
