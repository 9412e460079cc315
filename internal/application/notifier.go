package application

import (
	"context"
	"errors"
)

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Dismisser is implemented by notifiers whose messages stay visible until
// cleared, like a Home Assistant persistent notification.
type Dismisser interface {
	Dismiss(ctx context.Context) error
}

type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ string) error {
	return nil
}

// Notifiers fans a message out to every notifier and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dismiss clears the message on every notifier that supports it.
func (ns Notifiers) Dismiss(ctx context.Context) error {
	var errs []error
	for _, n := range ns {
		d, ok := n.(Dismisser)
		if !ok {
			continue
		}
		if err := d.Dismiss(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
