// Package entity wraps myLeviton switches as host entities. Entities are
// property accessors over the last known switch state plus a small set of
// commands proxied to the cloud session.
package entity

import (
	"context"
	"log/slog"
	"sync"

	"decora-wifi/internal/domain"
)

// SwitchController issues switch reads and writes against the cloud session.
type SwitchController interface {
	Switch(ctx context.Context, id int64) (domain.IotSwitch, error)
	UpdateSwitch(ctx context.Context, id int64, update domain.SwitchUpdate) (domain.IotSwitch, error)
}

// Entity is the part every host-visible entity shares.
type Entity interface {
	UniqueID() string
	Name() string
	Kind() domain.PlatformKind
	// Update fetches new state from the cloud. Entities that are not polled
	// return nil without doing any I/O.
	Update(ctx context.Context) error
}

// Feature is a bit set of optional capabilities.
type Feature int

const (
	FeatureBrightness Feature = 1 << iota
	FeatureTransition
	FeatureSetSpeed
)

func (f Feature) Has(o Feature) bool {
	return f&o != 0
}

// base holds the wrapped switch.
type base struct {
	ctrl   SwitchController
	logger *slog.Logger

	mu  sync.RWMutex
	sw  domain.IotSwitch
	uid string
}

func newBase(sw domain.IotSwitch, ctrl SwitchController, logger *slog.Logger) base {
	return base{ctrl: ctrl, logger: logger, sw: sw, uid: sw.MAC}
}

// UniqueID is the switch MAC address.
func (b *base) UniqueID() string {
	return b.uid
}

func (b *base) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sw.Name
}

// Switch returns a copy of the last known switch state.
func (b *base) Switch() domain.IotSwitch {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sw
}

func (b *base) Update(ctx context.Context) error {
	id := b.Switch().ID
	sw, err := b.ctrl.Switch(ctx, id)
	if err != nil {
		b.logger.Error("failed to update myLeviton switch data", "switch", b.uid, "error", err)
		return err
	}

	b.store(sw)
	return nil
}

func (b *base) apply(ctx context.Context, update domain.SwitchUpdate, failure string) error {
	id := b.Switch().ID
	sw, err := b.ctrl.UpdateSwitch(ctx, id, update)
	if err != nil {
		b.logger.Error(failure, "switch", b.uid, "error", err)
		return err
	}

	// Some API answers omit fields; keep what we asked for.
	if sw.ID == 0 {
		b.mu.Lock()
		b.sw = update.Apply(b.sw)
		b.mu.Unlock()
		return nil
	}

	b.store(sw)
	return nil
}

func (b *base) store(sw domain.IotSwitch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sw = sw
}
