package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"decora-wifi/internal/domain"
	"decora-wifi/internal/entity"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// DeviceInfo is the device block of a discovery message.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	SWVersion    string      `json:"sw_version,omitempty"`
	SerialNumber string      `json:"serial_number,omitempty"`
}

// DiscoveryConfig is the retained config message Home Assistant reads from
// <discovery_prefix>/<component>/<object_id>/config. Only the fields used by
// the light, fan and binary_sensor components are present.
type DiscoveryConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	ObjectID          string     `json:"object_id,omitempty"`
	Device            DeviceInfo `json:"device"`
	AvailabilityTopic string     `json:"availability_topic"`
	StateTopic        string     `json:"state_topic"`
	CommandTopic      string     `json:"command_topic,omitempty"`

	// light, json schema
	Schema              string   `json:"schema,omitempty"`
	Brightness          *bool    `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`

	// fan
	PercentageStateTopic   string `json:"percentage_state_topic,omitempty"`
	PercentageCommandTopic string `json:"percentage_command_topic,omitempty"`

	// fan, binary_sensor
	PayloadOn  string `json:"payload_on,omitempty"`
	PayloadOff string `json:"payload_off,omitempty"`

	// binary_sensor
	DeviceClass    string `json:"device_class,omitempty"`
	EntityCategory string `json:"entity_category,omitempty"`
}

// LightState is the json schema state and command payload.
type LightState struct {
	State      domain.Power `json:"state"`
	Brightness *int         `json:"brightness,omitempty"`
	ColorMode  string       `json:"color_mode,omitempty"`
	Transition *float64     `json:"transition,omitempty"`
}

// Topics derives every topic used for one entity.
type Topics struct {
	Config            string
	State             string
	Command           string
	PercentageState   string
	PercentageCommand string
}

func objectID(uniqueID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(uniqueID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (h *Host) topics(e entity.Entity) Topics {
	id := objectID(e.UniqueID())
	base := fmt.Sprintf("%s/%s/%s", h.cfg.TopicPrefix, e.Kind(), id)
	t := Topics{
		Config: fmt.Sprintf("%s/%s/%s/config", h.cfg.DiscoveryPrefix, e.Kind(), id),
		State:  base + "/state",
	}
	switch e.(type) {
	case *entity.Light:
		t.Command = base + "/set"
	case *entity.Fan:
		t.Command = base + "/set"
		t.PercentageState = base + "/percentage"
		t.PercentageCommand = base + "/percentage/set"
	}
	return t
}

func (h *Host) availabilityTopic() string {
	return h.cfg.TopicPrefix + "/status"
}

func switchDevice(sw domain.IotSwitch) DeviceInfo {
	d := DeviceInfo{
		Identifiers:  []string{sw.MAC},
		Name:         sw.Name,
		Manufacturer: sw.Manufacturer,
		Model:        sw.Model,
		SWVersion:    sw.Version,
		SerialNumber: sw.Serial,
	}
	if d.Manufacturer == "" {
		d.Manufacturer = "Leviton"
	}
	if sw.MAC != "" {
		d.Connections = [][2]string{{"mac", strings.ReplaceAll(strings.ToLower(sw.MAC), "-", ":")}}
	}
	return d
}

// discoveryConfig builds the discovery message for an entity.
func (h *Host) discoveryConfig(e entity.Entity) (DiscoveryConfig, error) {
	t := h.topics(e)
	cfg := DiscoveryConfig{
		Name:              e.Name(),
		UniqueID:          e.UniqueID(),
		ObjectID:          "decora_wifi_" + objectID(e.UniqueID()),
		AvailabilityTopic: h.availabilityTopic(),
		StateTopic:        t.State,
		CommandTopic:      t.Command,
	}

	switch v := e.(type) {
	case *entity.Light:
		cfg.Device = switchDevice(v.Switch())
		cfg.Schema = "json"
		if v.SupportedFeatures().Has(entity.FeatureBrightness) {
			on := true
			cfg.Brightness = &on
			cfg.BrightnessScale = entity.MaxBrightness
			cfg.SupportedColorModes = []string{"brightness"}
		} else {
			cfg.SupportedColorModes = []string{"onoff"}
		}
	case *entity.Fan:
		cfg.Device = switchDevice(v.Switch())
		cfg.PayloadOn = string(domain.PowerOn)
		cfg.PayloadOff = string(domain.PowerOff)
		cfg.PercentageStateTopic = t.PercentageState
		cfg.PercentageCommandTopic = t.PercentageCommand
	case *entity.Connectivity:
		cfg.Device = DeviceInfo{
			Identifiers:  []string{"decora_wifi_" + v.UniqueID()},
			Name:         v.Name(),
			Manufacturer: "Leviton",
			Model:        "myLeviton account",
		}
		cfg.PayloadOn = string(domain.PowerOn)
		cfg.PayloadOff = string(domain.PowerOff)
		cfg.DeviceClass = v.DeviceClass()
		cfg.EntityCategory = "diagnostic"
	default:
		return DiscoveryConfig{}, fmt.Errorf("unsupported entity type %T", e)
	}
	return cfg, nil
}

// statePayloads returns the payload for each state topic of an entity.
func (h *Host) statePayloads(e entity.Entity) (map[string][]byte, error) {
	t := h.topics(e)
	switch v := e.(type) {
	case *entity.Light:
		st := LightState{State: domain.PowerOff, ColorMode: "onoff"}
		if v.IsOn() {
			st.State = domain.PowerOn
		}
		if v.SupportedFeatures().Has(entity.FeatureBrightness) {
			b := v.Brightness()
			st.Brightness = &b
			st.ColorMode = "brightness"
		}
		data, err := json.Marshal(st)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{t.State: data}, nil
	case *entity.Fan:
		return map[string][]byte{
			t.State:           []byte(powerOf(v.IsOn())),
			t.PercentageState: []byte(fmt.Sprint(v.Percentage())),
		}, nil
	case *entity.Connectivity:
		return map[string][]byte{t.State: []byte(powerOf(v.IsOn()))}, nil
	default:
		return nil, fmt.Errorf("unsupported entity type %T", e)
	}
}

func powerOf(on bool) domain.Power {
	if on {
		return domain.PowerOn
	}
	return domain.PowerOff
}
