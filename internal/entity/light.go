package entity

import (
	"context"
	"log/slog"

	"decora-wifi/internal/domain"
)

// MaxBrightness is the top of the host brightness scale.
const MaxBrightness = 255

// LightTurnOn carries the optional turn_on arguments.
type LightTurnOn struct {
	Brightness *int     // 0..255
	Transition *float64 // seconds
}

// Light is a myLeviton dimmer or on/off switch.
type Light struct {
	base
}

func NewLight(sw domain.IotSwitch, ctrl SwitchController, logger *slog.Logger) *Light {
	return &Light{base: newBase(sw, ctrl, logger)}
}

func (l *Light) Kind() domain.PlatformKind {
	return domain.PlatformLight
}

func (l *Light) SupportedFeatures() Feature {
	if l.Switch().CanSetLevel {
		return FeatureBrightness | FeatureTransition
	}
	return 0
}

// Brightness maps the 0..100 switch level onto 0..255.
func (l *Light) Brightness() int {
	return l.Switch().Brightness * MaxBrightness / 100
}

func (l *Light) IsOn() bool {
	return l.Switch().IsOn()
}

func (l *Light) TurnOn(ctx context.Context, opts LightTurnOn) error {
	update := domain.PowerUpdate(domain.PowerOn)
	sw := l.Switch()

	if opts.Brightness != nil {
		maxLevel := sw.MaxLevelOr(100)
		minLevel := sw.MinLevelOr(0)
		level := max(*opts.Brightness*maxLevel/MaxBrightness, minLevel)
		update.Brightness = &level
	}

	if opts.Transition != nil {
		fade := int(*opts.Transition)
		update.FadeOnTime = &fade
		update.FadeOffTime = &fade
	}

	return l.apply(ctx, update, "failed to turn on myLeviton switch")
}

func (l *Light) TurnOff(ctx context.Context) error {
	return l.apply(ctx, domain.PowerUpdate(domain.PowerOff), "failed to turn off myLeviton switch")
}
