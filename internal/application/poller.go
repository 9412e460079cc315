package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"

	"decora-wifi/internal/entity"
	"decora-wifi/internal/platform"
)

// Run polls every loaded entry on its scan interval until ctx is done.
func (i *Integration) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			i.PollDue(ctx, now)
		}
	}
}

// PollDue refreshes every entry whose scan interval has elapsed at now and
// retries the setup of not-ready entries whose backoff has passed. It returns
// the number of entries polled or retried.
func (i *Integration) PollDue(ctx context.Context, now time.Time) int {
	i.mu.Lock()
	var due []*loadedEntry
	for _, le := range i.loaded {
		if !now.Before(le.nextPoll) {
			le.nextPoll = now.Add(le.scanInterval)
			due = append(due, le)
		}
	}
	var retry []string
	for id, pe := range i.pending {
		if !now.Before(pe.next) {
			retry = append(retry, id)
		}
	}
	i.mu.Unlock()

	for _, id := range retry {
		i.retrySetup(ctx, id)
	}
	for _, le := range due {
		i.poll(ctx, le)
	}
	return len(due) + len(retry)
}

func (i *Integration) retrySetup(ctx context.Context, entryID string) {
	entry, err := i.store.Get(entryID)
	if err != nil {
		i.dropRetry(entryID)
		i.logger.Warn("dropping setup retry", "entry_id", entryID, "error", err)
		return
	}
	if i.IsLoaded(entryID) {
		i.dropRetry(entryID)
		return
	}

	i.logger.Info("retrying config entry setup", "entry_id", entryID)
	if err := i.SetupEntry(ctx, entry); err != nil {
		i.logger.Warn("config entry setup retry failed", "entry_id", entryID, "error", err)
	}
}

func (i *Integration) poll(ctx context.Context, le *loadedEntry) {
	if err := i.refreshDevices(ctx, le); err != nil {
		i.logger.Warn("refreshing devices", "entry_id", le.entry.ID, "error", err)
	}

	i.mu.RLock()
	entities := slices.Clone(le.entities)
	i.mu.RUnlock()

	failed := 0
	for _, e := range entities {
		if err := e.Update(ctx); err != nil {
			failed++
			continue
		}
		if err := i.host.UpdateState(ctx, e); err != nil {
			i.logger.Warn("publishing entity state", "entity", e.UniqueID(), "error", err)
		}
	}

	if failed > 0 {
		i.logger.Warn("poll finished with errors", "entry_id", le.entry.ID, "failed", failed, "entities", len(entities))
		return
	}
	i.logger.Debug("poll finished", "entry_id", le.entry.ID, "entities", len(entities))
}

// refreshDevices logs back in when the session dropped or expired, then
// enumerates the account again and publishes switches that were added since.
func (i *Integration) refreshDevices(ctx context.Context, le *loadedEntry) error {
	i.mu.RLock()
	_, waiting := i.authFailed[le.entry.ID]
	i.mu.RUnlock()
	if waiting {
		return fmt.Errorf("%w: waiting for reauthentication", ErrEntryAuthFailed)
	}

	p := le.platform
	if !p.IsOn() {
		if err := i.reauth(ctx, le); err != nil {
			return err
		}
	}

	err := p.RefreshDevices(ctx)
	if err != nil && platform.IsSessionExpired(err) {
		if err := i.reauth(ctx, le); err != nil {
			return err
		}
		err = p.RefreshDevices(ctx)
	}
	if err != nil {
		return err
	}
	return i.addNewEntities(ctx, le)
}

func (i *Integration) reauth(ctx context.Context, le *loadedEntry) error {
	i.logger.Info("logging in to myLeviton again", "entry_id", le.entry.ID)

	err := le.platform.Reauth(ctx)
	switch {
	case err == nil:
		i.clearAuthFailed(ctx, le.entry.ID)
		return nil
	case errors.Is(err, platform.ErrLoginFailed):
		i.markAuthFailed(ctx, le.entry)
	}
	return fmt.Errorf("reauthenticating: %w", err)
}

func (i *Integration) addNewEntities(ctx context.Context, le *loadedEntry) error {
	i.mu.RLock()
	known := lo.SliceToMap(le.entities, func(e entity.Entity) (string, bool) {
		return e.UniqueID(), true
	})
	i.mu.RUnlock()

	p := le.platform
	logger := i.logger.With("entry_id", le.entry.ID)

	var added []entity.Entity
	for _, kind := range p.ActivePlatforms() {
		for _, sw := range p.Switches(kind) {
			if known[sw.MAC] {
				continue
			}
			if e := newEntity(kind, sw, p, logger); e != nil {
				added = append(added, e)
			}
		}
	}
	if len(added) == 0 {
		return nil
	}

	if err := i.host.AddEntities(ctx, le.entry.ID, added); err != nil {
		return fmt.Errorf("adding new entities: %w", err)
	}

	i.mu.Lock()
	le.entities = append(le.entities, added...)
	i.mu.Unlock()

	logger.Info("new devices found", "count", len(added))
	return nil
}
