package entity_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decora-wifi/internal/domain"
	"decora-wifi/internal/entity"
)

type fakeController struct {
	switches map[int64]domain.IotSwitch
	updates  []domain.SwitchUpdate
	err      error
}

func newFakeController(sws ...domain.IotSwitch) *fakeController {
	c := &fakeController{switches: make(map[int64]domain.IotSwitch)}
	for _, sw := range sws {
		c.switches[sw.ID] = sw
	}
	return c
}

func (c *fakeController) Switch(_ context.Context, id int64) (domain.IotSwitch, error) {
	if c.err != nil {
		return domain.IotSwitch{}, c.err
	}
	return c.switches[id], nil
}

func (c *fakeController) UpdateSwitch(_ context.Context, id int64, u domain.SwitchUpdate) (domain.IotSwitch, error) {
	c.updates = append(c.updates, u)
	if c.err != nil {
		return domain.IotSwitch{}, c.err
	}
	sw := u.Apply(c.switches[id])
	c.switches[id] = sw
	return sw, nil
}

func (c *fakeController) last() domain.SwitchUpdate {
	return c.updates[len(c.updates)-1]
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intp(v int) *int { return &v }

func dimmer() domain.IotSwitch {
	return domain.IotSwitch{
		ID:          100,
		Name:        "Kitchen",
		MAC:         "DE-AD-BE-EF-0-1",
		Model:       "DW6HD",
		Power:       domain.PowerOff,
		Brightness:  50,
		CanSetLevel: true,
		MinLevel:    intp(10),
		MaxLevel:    intp(100),
	}
}

func TestLight_Properties(t *testing.T) {
	light := entity.NewLight(dimmer(), newFakeController(dimmer()), discard())

	assert.Equal(t, "DE-AD-BE-EF-0-1", light.UniqueID())
	assert.Equal(t, "Kitchen", light.Name())
	assert.Equal(t, domain.PlatformLight, light.Kind())
	assert.False(t, light.IsOn())
	assert.Equal(t, 127, light.Brightness())
	assert.True(t, light.SupportedFeatures().Has(entity.FeatureBrightness))
	assert.True(t, light.SupportedFeatures().Has(entity.FeatureTransition))
}

func TestLight_OnOffSwitchHasNoFeatures(t *testing.T) {
	sw := dimmer()
	sw.CanSetLevel = false
	light := entity.NewLight(sw, newFakeController(sw), discard())

	assert.Equal(t, entity.Feature(0), light.SupportedFeatures())
}

func TestLight_TurnOn(t *testing.T) {
	tests := []struct {
		name           string
		sw             func() domain.IotSwitch
		opts           entity.LightTurnOn
		wantBrightness *int
		wantFade       *int
	}{
		{
			name: "power only",
			sw:   dimmer,
		},
		{
			name:           "full brightness",
			sw:             dimmer,
			opts:           entity.LightTurnOn{Brightness: intp(255)},
			wantBrightness: intp(100),
		},
		{
			name:           "clamped to min level",
			sw:             dimmer,
			opts:           entity.LightTurnOn{Brightness: intp(5)},
			wantBrightness: intp(10),
		},
		{
			name: "scaled to reduced max level",
			sw: func() domain.IotSwitch {
				sw := dimmer()
				sw.MaxLevel = intp(80)
				return sw
			},
			opts:           entity.LightTurnOn{Brightness: intp(128)},
			wantBrightness: intp(40),
		},
		{
			name: "level defaults when unreported",
			sw: func() domain.IotSwitch {
				sw := dimmer()
				sw.MinLevel, sw.MaxLevel = nil, nil
				return sw
			},
			opts:           entity.LightTurnOn{Brightness: intp(1)},
			wantBrightness: intp(0),
		},
		{
			name:     "transition sets both fades",
			sw:       dimmer,
			opts:     entity.LightTurnOn{Transition: func() *float64 { v := 3.7; return &v }()},
			wantFade: intp(3),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController(tt.sw())
			light := entity.NewLight(tt.sw(), ctrl, discard())

			require.NoError(t, light.TurnOn(context.Background(), tt.opts))

			u := ctrl.last()
			require.NotNil(t, u.Power)
			assert.Equal(t, domain.PowerOn, *u.Power)
			assert.Equal(t, tt.wantBrightness, u.Brightness)
			assert.Equal(t, tt.wantFade, u.FadeOnTime)
			assert.Equal(t, tt.wantFade, u.FadeOffTime)
			assert.True(t, light.IsOn())
		})
	}
}

func TestLight_TurnOff(t *testing.T) {
	sw := dimmer()
	sw.Power = domain.PowerOn
	ctrl := newFakeController(sw)
	light := entity.NewLight(sw, ctrl, discard())

	require.NoError(t, light.TurnOff(context.Background()))

	assert.Equal(t, domain.PowerUpdate(domain.PowerOff), ctrl.last())
	assert.False(t, light.IsOn())
}

func TestLight_CommandFailureKeepsState(t *testing.T) {
	ctrl := newFakeController(dimmer())
	ctrl.err = errors.New("myLeviton API call failed")
	light := entity.NewLight(dimmer(), ctrl, discard())

	assert.Error(t, light.TurnOn(context.Background(), entity.LightTurnOn{}))
	assert.False(t, light.IsOn())
	assert.Error(t, light.Update(context.Background()))
}

func TestLight_Update(t *testing.T) {
	ctrl := newFakeController(dimmer())
	light := entity.NewLight(dimmer(), ctrl, discard())

	remote := dimmer()
	remote.Power = domain.PowerOn
	remote.Brightness = 100
	remote.Name = "Kitchen Island"
	ctrl.switches[remote.ID] = remote

	require.NoError(t, light.Update(context.Background()))

	assert.True(t, light.IsOn())
	assert.Equal(t, 255, light.Brightness())
	assert.Equal(t, "Kitchen Island", light.Name())
	assert.Equal(t, "DE-AD-BE-EF-0-1", light.UniqueID())
}

func fanSwitch() domain.IotSwitch {
	return domain.IotSwitch{
		ID:         200,
		Name:       "Ceiling Fan",
		MAC:        "DE-AD-BE-EF-0-2",
		Model:      "DW4SF",
		Power:      domain.PowerOn,
		Brightness: 50,
		MaxLevel:   intp(100),
		MinLevel:   intp(25),
	}
}

func TestFan(t *testing.T) {
	ctrl := newFakeController(fanSwitch())
	fan := entity.NewFan(fanSwitch(), ctrl, discard())
	ctx := context.Background()

	assert.Equal(t, domain.PlatformFan, fan.Kind())
	assert.True(t, fan.IsOn())
	assert.Equal(t, 50, fan.Percentage())
	assert.Equal(t, 4, fan.SpeedCount())

	require.NoError(t, fan.SetPercentage(ctx, 10))
	assert.Nil(t, ctrl.last().Power)
	assert.Equal(t, intp(25), ctrl.last().Brightness)

	require.NoError(t, fan.TurnOn(ctx, intp(75)))
	assert.Equal(t, intp(75), ctrl.last().Brightness)
	assert.Equal(t, 75, fan.Percentage())

	require.NoError(t, fan.TurnOff(ctx))
	assert.False(t, fan.IsOn())
}

func TestFan_UnknownModelSpeedCount(t *testing.T) {
	sw := fanSwitch()
	sw.Model = "DW1KD"
	fan := entity.NewFan(sw, newFakeController(sw), discard())

	assert.Equal(t, 100, fan.SpeedCount())
	assert.True(t, entity.IsFanModel("DW4SF"))
	assert.False(t, entity.IsFanModel("DW1KD"))
}

type staticSession struct {
	loggedIn bool
}

func (s *staticSession) Name() string     { return "Decora_Wifi - user@example.com" }
func (s *staticSession) UniqueID() string { return "42" }
func (s *staticSession) IsOn() bool       { return s.loggedIn }

func TestConnectivity(t *testing.T) {
	session := &staticSession{loggedIn: true}
	c := entity.NewConnectivity(session)

	assert.Equal(t, "42", c.UniqueID())
	assert.Equal(t, domain.PlatformBinarySensor, c.Kind())
	assert.True(t, c.IsOn())

	session.loggedIn = false
	assert.False(t, c.IsOn())
	assert.NoError(t, c.Update(context.Background()))
}
