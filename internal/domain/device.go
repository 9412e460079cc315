package domain

// PlatformKind is the host entity platform a switch is exposed through.
type PlatformKind string

const (
	PlatformLight        PlatformKind = "light"
	PlatformFan          PlatformKind = "fan"
	PlatformBinarySensor PlatformKind = "binary_sensor"
)

// Platforms lists the device platforms in setup order.
var Platforms = []PlatformKind{PlatformLight, PlatformFan}

type Power string

const (
	PowerOn  Power = "ON"
	PowerOff Power = "OFF"
)

// IotSwitch is a myLeviton switch, dimmer or fan controller as reported by
// the cloud API.
type IotSwitch struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	MAC          string `json:"mac"`
	Model        string `json:"model"`
	Serial       string `json:"serial,omitempty"`
	Version      string `json:"version,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	ResidenceID  int64  `json:"residenceId,omitempty"`
	Connected    bool   `json:"connected"`

	Power       Power `json:"power"`
	Brightness  int   `json:"brightness"`
	CanSetLevel bool  `json:"canSetLevel"`
	MinLevel    *int  `json:"minLevel,omitempty"`
	MaxLevel    *int  `json:"maxLevel,omitempty"`
	FadeOnTime  int   `json:"fadeOnTime,omitempty"`
	FadeOffTime int   `json:"fadeOffTime,omitempty"`
}

func (s IotSwitch) IsOn() bool {
	return s.Power == PowerOn
}

// MaxLevelOr returns the switch's maximum level, or def when unreported.
func (s IotSwitch) MaxLevelOr(def int) int {
	if s.MaxLevel == nil {
		return def
	}
	return *s.MaxLevel
}

// MinLevelOr returns the switch's minimum level, or def when unreported.
func (s IotSwitch) MinLevelOr(def int) int {
	if s.MinLevel == nil {
		return def
	}
	return *s.MinLevel
}
