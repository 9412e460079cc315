package domain

// SwitchUpdate is the attribute set written back to a switch. Nil fields are
// left untouched by the API.
type SwitchUpdate struct {
	Power       *Power `json:"power,omitempty"`
	Brightness  *int   `json:"brightness,omitempty"`
	FadeOnTime  *int   `json:"fadeOnTime,omitempty"`
	FadeOffTime *int   `json:"fadeOffTime,omitempty"`
}

func PowerUpdate(p Power) SwitchUpdate {
	return SwitchUpdate{Power: &p}
}

// Apply merges the update into s, mirroring what the API stores.
func (u SwitchUpdate) Apply(s IotSwitch) IotSwitch {
	if u.Power != nil {
		s.Power = *u.Power
	}
	if u.Brightness != nil {
		s.Brightness = *u.Brightness
	}
	if u.FadeOnTime != nil {
		s.FadeOnTime = *u.FadeOnTime
	}
	if u.FadeOffTime != nil {
		s.FadeOffTime = *u.FadeOffTime
	}
	return s
}
