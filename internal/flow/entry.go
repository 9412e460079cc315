package flow

import (
	"time"

	"github.com/google/uuid"
)

const (
	Domain = "decora_wifi"
	Title  = "myLeviton Decora Wifi"
)

// Entry is a stored account configuration.
type Entry struct {
	ID       string    `json:"entry_id"`
	Domain   string    `json:"domain"`
	UniqueID string    `json:"unique_id"`
	Title    string    `json:"title"`
	Data     EntryData `json:"data"`
	Options  Options   `json:"options"`
	Created  time.Time `json:"created"`
}

type EntryData struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// UserID is the myLeviton user id seen when the entry was created.
	UserID string `json:"id,omitempty"`
	// EntityID is the session entity registered for this entry.
	EntityID string `json:"entity_id,omitempty"`
}

type Options struct {
	ScanInterval Duration `json:"scan_interval,omitempty"`
}

func NewEntry(data EntryData) Entry {
	return Entry{
		ID:       uuid.NewString(),
		Domain:   Domain,
		UniqueID: data.Username,
		Title:    EntryTitle(data.Username),
		Data:     data,
		Created:  time.Now().UTC(),
	}
}

func EntryTitle(username string) string {
	return Title + " - " + username
}

// Duration marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
