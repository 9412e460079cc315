package entity

import (
	"context"

	"decora-wifi/internal/domain"
)

// SessionState is the read side of a logged-in account holder.
type SessionState interface {
	Name() string
	UniqueID() string
	IsOn() bool
}

// Connectivity exposes the account session as a connectivity binary sensor.
// It is never polled; state is pushed when the login state changes.
type Connectivity struct {
	session SessionState
}

func NewConnectivity(session SessionState) *Connectivity {
	return &Connectivity{session: session}
}

func (c *Connectivity) UniqueID() string          { return c.session.UniqueID() }
func (c *Connectivity) Name() string              { return c.session.Name() }
func (c *Connectivity) Kind() domain.PlatformKind { return domain.PlatformBinarySensor }
func (c *Connectivity) IsOn() bool                { return c.session.IsOn() }
func (c *Connectivity) DeviceClass() string       { return "connectivity" }

func (c *Connectivity) Update(context.Context) error {
	return nil
}
