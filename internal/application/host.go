package application

import (
	"context"

	"decora-wifi/internal/entity"
)

// Host is where entities are published for the home-automation platform.
type Host interface {
	AddEntities(ctx context.Context, entryID string, entities []entity.Entity) error
	RemoveEntities(ctx context.Context, entryID string) error
	UpdateState(ctx context.Context, e entity.Entity) error
}

// NoopHost discards everything. Used when no host transport is configured.
type NoopHost struct{}

func (NoopHost) AddEntities(context.Context, string, []entity.Entity) error { return nil }
func (NoopHost) RemoveEntities(context.Context, string) error               { return nil }
func (NoopHost) UpdateState(context.Context, entity.Entity) error           { return nil }
