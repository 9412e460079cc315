package entity

import (
	"context"
	"log/slog"

	"decora-wifi/internal/domain"
)

// fanSpeeds maps fan controller models to their discrete speed count.
var fanSpeeds = map[string]int{
	"DW4SF": 4,
}

// IsFanModel reports whether model is a known fan speed controller.
func IsFanModel(model string) bool {
	_, ok := fanSpeeds[model]
	return ok
}

// Fan is a myLeviton fan speed controller.
type Fan struct {
	base
}

func NewFan(sw domain.IotSwitch, ctrl SwitchController, logger *slog.Logger) *Fan {
	return &Fan{base: newBase(sw, ctrl, logger)}
}

func (f *Fan) Kind() domain.PlatformKind {
	return domain.PlatformFan
}

func (f *Fan) SupportedFeatures() Feature {
	return FeatureSetSpeed
}

func (f *Fan) IsOn() bool {
	return f.Switch().IsOn()
}

// Percentage is the speed as a share of the switch's maximum level.
func (f *Fan) Percentage() int {
	sw := f.Switch()
	maxLevel := sw.MaxLevelOr(100)
	if maxLevel <= 0 {
		return 0
	}
	return sw.Brightness * 100 / maxLevel
}

func (f *Fan) SpeedCount() int {
	if n, ok := fanSpeeds[f.Switch().Model]; ok {
		return n
	}
	return 100
}

// TurnOn powers the fan, optionally at the given percentage.
func (f *Fan) TurnOn(ctx context.Context, percentage *int) error {
	update := domain.PowerUpdate(domain.PowerOn)
	if percentage != nil {
		level := f.level(*percentage)
		update.Brightness = &level
	}
	return f.apply(ctx, update, "failed to turn on myLeviton switch")
}

func (f *Fan) SetPercentage(ctx context.Context, percentage int) error {
	level := f.level(percentage)
	return f.apply(ctx, domain.SwitchUpdate{Brightness: &level}, "failed to set myLeviton fan speed")
}

func (f *Fan) TurnOff(ctx context.Context) error {
	return f.apply(ctx, domain.PowerUpdate(domain.PowerOff), "failed to turn off myLeviton switch")
}

func (f *Fan) level(percentage int) int {
	sw := f.Switch()
	return max(sw.MaxLevelOr(100)*percentage/100, sw.MinLevelOr(0))
}
