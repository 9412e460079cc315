package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"decora-wifi/internal/domain"
	"decora-wifi/internal/entity"
	"decora-wifi/internal/flow"
	"decora-wifi/internal/platform"
)

var (
	// ErrEntryAuthFailed means the stored credentials no longer work and the
	// entry needs a reauth flow.
	ErrEntryAuthFailed = errors.New("config entry authentication failed")
	// ErrEntryNotReady means setup should be retried later.
	ErrEntryNotReady = errors.New("config entry not ready")
	ErrUnknownEntity = errors.New("unknown entity")
)

// PlatformFactory builds a session holder for an account.
type PlatformFactory func(email, password string) *platform.Platform

// notReadyRetry is the first delay before an entry that failed as not ready
// is set up again. It doubles per failure up to the entry's scan interval.
const notReadyRetry = 30 * time.Second

type loadedEntry struct {
	entry        flow.Entry
	platform     *platform.Platform
	entities     []entity.Entity
	scanInterval time.Duration
	nextPoll     time.Time
}

type pendingEntry struct {
	delay time.Duration
	next  time.Time
}

// Integration sets up config entries and keeps their entities alive.
type Integration struct {
	store       flow.Store
	newPlatform PlatformFactory
	host        Host
	notifier    Notifier
	logger      *slog.Logger
	defaultScan time.Duration

	mu         sync.RWMutex
	loaded     map[string]*loadedEntry
	pending    map[string]*pendingEntry
	authFailed map[string]struct{}
}

func NewIntegration(
	store flow.Store,
	newPlatform PlatformFactory,
	host Host,
	notifier Notifier,
	defaultScan time.Duration,
	logger *slog.Logger,
) *Integration {
	return &Integration{
		store:       store,
		newPlatform: newPlatform,
		host:        host,
		notifier:    notifier,
		logger:      logger,
		defaultScan: defaultScan,
		loaded:      make(map[string]*loadedEntry),
		pending:     make(map[string]*pendingEntry),
		authFailed:  make(map[string]struct{}),
	}
}

// SetupAll sets up every stored entry. Failing entries are logged and the
// rest still load. When no entry needs reauthentication, a reauth
// notification left over from an earlier run is dismissed.
func (i *Integration) SetupAll(ctx context.Context) error {
	var errs []error
	for _, entry := range i.store.Entries() {
		if err := i.SetupEntry(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", entry.Title, err))
		}
	}

	i.mu.Lock()
	healthy := i.awaitingReauthLocked() == 0
	i.mu.Unlock()
	if healthy {
		i.dismiss(ctx)
	}
	return errors.Join(errs...)
}

func (i *Integration) SetupEntry(ctx context.Context, entry flow.Entry) error {
	i.mu.RLock()
	_, exists := i.loaded[entry.ID]
	i.mu.RUnlock()
	if exists {
		return fmt.Errorf("entry %s is already set up", entry.ID)
	}

	logger := i.logger.With("entry_id", entry.ID)

	scan := time.Duration(entry.Options.ScanInterval)
	if scan <= 0 {
		scan = i.defaultScan
	}

	p := i.newPlatform(entry.Data.Username, entry.Data.Password)
	if err := p.Setup(ctx); err != nil {
		switch {
		case errors.Is(err, platform.ErrLoginFailed):
			logger.Error("login failed")
			i.markAuthFailed(ctx, entry)
			return fmt.Errorf("%w: %w", ErrEntryAuthFailed, err)
		case errors.Is(err, platform.ErrCommFailed):
			retry := i.scheduleRetry(entry.ID, scan)
			logger.Error("communication with myLeviton failed", "retry_in", retry)
			return fmt.Errorf("%w: %w", ErrEntryNotReady, err)
		default:
			i.dropRetry(entry.ID)
			return err
		}
	}

	if entry.Data.UserID != "" && p.UniqueID() != entry.Data.UserID {
		logger.Error("userid mismatch with config entry", "expected", entry.Data.UserID, "got", p.UniqueID())
		i.dropRetry(entry.ID)
		i.teardown(ctx, p, logger)
		return platform.ErrLoginMismatch
	}

	session := entity.NewConnectivity(p)
	entities := []entity.Entity{session}
	for _, kind := range p.ActivePlatforms() {
		entities = append(entities, buildEntities(kind, p, logger)...)
	}

	if err := i.host.AddEntities(ctx, entry.ID, entities); err != nil {
		// some entities may already be announced
		if rmErr := i.host.RemoveEntities(ctx, entry.ID); rmErr != nil {
			logger.Warn("removing partially added entities", "error", rmErr)
		}
		i.teardown(ctx, p, logger)
		retry := i.scheduleRetry(entry.ID, scan)
		logger.Error("adding entities failed", "error", err, "retry_in", retry)
		return fmt.Errorf("%w: adding entities: %w", ErrEntryNotReady, err)
	}

	p.OnStateChange(func() {
		if !i.owns(entry.ID, p) {
			return
		}
		if err := i.host.UpdateState(context.Background(), session); err != nil {
			logger.Warn("publishing session state", "error", err)
		}
	})

	entry.Data.UserID = p.UniqueID()
	entry.Data.EntityID = string(domain.PlatformBinarySensor) + "." + flow.Domain + "_" + p.UniqueID()
	entry.Title = flow.EntryTitle(entry.Data.Username)
	entry.Options.ScanInterval = flow.Duration(scan)
	if err := i.store.Update(entry); err != nil {
		logger.Warn("updating config entry", "error", err)
	}

	i.mu.Lock()
	i.loaded[entry.ID] = &loadedEntry{
		entry:        entry,
		platform:     p,
		entities:     entities,
		scanInterval: scan,
		nextPoll:     time.Now().Add(scan),
	}
	delete(i.pending, entry.ID)
	i.mu.Unlock()

	i.clearAuthFailed(ctx, entry.ID)

	logger.Info("config entry set up",
		"platforms", p.ActivePlatforms(),
		"entities", len(entities),
		"scan_interval", scan,
	)
	return nil
}

func buildEntities(kind domain.PlatformKind, p *platform.Platform, logger *slog.Logger) []entity.Entity {
	var out []entity.Entity
	for _, sw := range p.Switches(kind) {
		if e := newEntity(kind, sw, p, logger); e != nil {
			out = append(out, e)
		}
	}
	logger.Debug("setting up entities", "platform", kind, "count", len(out))
	return out
}

func newEntity(kind domain.PlatformKind, sw domain.IotSwitch, p *platform.Platform, logger *slog.Logger) entity.Entity {
	switch kind {
	case domain.PlatformLight:
		return entity.NewLight(sw, p, logger)
	case domain.PlatformFan:
		return entity.NewFan(sw, p, logger)
	}
	return nil
}

// UnloadEntry removes the entry's entities and logs its session out. A
// pending setup retry for the entry is cancelled.
func (i *Integration) UnloadEntry(ctx context.Context, entryID string) error {
	i.mu.Lock()
	le, ok := i.loaded[entryID]
	delete(i.loaded, entryID)
	delete(i.pending, entryID)
	i.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", platform.ErrSessionNotFound, entryID)
	}

	var errs []error
	if err := i.host.RemoveEntities(ctx, entryID); err != nil {
		errs = append(errs, fmt.Errorf("removing entities: %w", err))
	}
	if err := le.platform.Teardown(ctx); err != nil {
		errs = append(errs, err)
	}

	i.logger.Info("config entry unloaded", "entry_id", entryID)
	return errors.Join(errs...)
}

// ReloadEntry unloads the entry if loaded and sets it up again.
func (i *Integration) ReloadEntry(ctx context.Context, entry flow.Entry) error {
	if err := i.UnloadEntry(ctx, entry.ID); err != nil && !errors.Is(err, platform.ErrSessionNotFound) {
		i.logger.Warn("unloading entry for reload", "entry_id", entry.ID, "error", err)
	}
	return i.SetupEntry(ctx, entry)
}

// Close unloads every entry.
func (i *Integration) Close(ctx context.Context) error {
	i.mu.RLock()
	ids := make([]string, 0, len(i.loaded))
	for id := range i.loaded {
		ids = append(ids, id)
	}
	i.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := i.UnloadEntry(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (i *Integration) IsLoaded(entryID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.loaded[entryID]
	return ok
}

// Entities returns the entities of one loaded entry.
func (i *Integration) Entities(entryID string) []entity.Entity {
	i.mu.RLock()
	defer i.mu.RUnlock()
	le, ok := i.loaded[entryID]
	if !ok {
		return nil
	}
	return append([]entity.Entity(nil), le.entities...)
}

// AllEntities returns the entities of every loaded entry.
func (i *Integration) AllEntities() []entity.Entity {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []entity.Entity
	for _, le := range i.loaded {
		out = append(out, le.entities...)
	}
	return out
}

// Lights returns the loaded light and fan entities ordered by name.
func (i *Integration) Lights() []entity.Entity {
	out := lo.Filter(i.AllEntities(), func(e entity.Entity, _ int) bool {
		return e.Kind() == domain.PlatformLight || e.Kind() == domain.PlatformFan
	})
	slices.SortFunc(out, func(a, b entity.Entity) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return out
}

// FindEntity looks an entity up by unique id.
func (i *Integration) FindEntity(uniqueID string) (entity.Entity, bool) {
	for _, e := range i.AllEntities() {
		if e.UniqueID() == uniqueID {
			return e, true
		}
	}
	return nil, false
}

// TurnOn turns a light or fan on and pushes its new state to the host. For
// fans the brightness option is read as a 0..255 speed.
func (i *Integration) TurnOn(ctx context.Context, uniqueID string, opts entity.LightTurnOn) error {
	e, ok := i.FindEntity(uniqueID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, uniqueID)
	}

	var err error
	switch v := e.(type) {
	case *entity.Light:
		err = v.TurnOn(ctx, opts)
	case *entity.Fan:
		var pct *int
		if opts.Brightness != nil {
			p := *opts.Brightness * 100 / entity.MaxBrightness
			pct = &p
		}
		err = v.TurnOn(ctx, pct)
	default:
		return fmt.Errorf("%w: %s cannot be turned on", ErrUnknownEntity, uniqueID)
	}
	if err != nil {
		return err
	}
	return i.host.UpdateState(ctx, e)
}

func (i *Integration) TurnOff(ctx context.Context, uniqueID string) error {
	e, ok := i.FindEntity(uniqueID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, uniqueID)
	}

	type turnOffer interface {
		TurnOff(ctx context.Context) error
	}
	t, ok := e.(turnOffer)
	if !ok {
		return fmt.Errorf("%w: %s cannot be turned off", ErrUnknownEntity, uniqueID)
	}
	if err := t.TurnOff(ctx); err != nil {
		return err
	}
	return i.host.UpdateState(ctx, e)
}

func (i *Integration) teardown(ctx context.Context, p *platform.Platform, logger *slog.Logger) {
	if err := p.Teardown(ctx); err != nil {
		logger.Warn("tearing down session", "error", err)
	}
}

// owns reports whether p is the platform currently loaded for entryID.
func (i *Integration) owns(entryID string, p *platform.Platform) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	le, ok := i.loaded[entryID]
	return ok && le.platform == p
}

// IsPending reports whether the entry is waiting for a setup retry.
func (i *Integration) IsPending(entryID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.pending[entryID]
	return ok
}

// scheduleRetry records a not-ready entry and returns the delay before the
// next attempt.
func (i *Integration) scheduleRetry(entryID string, scan time.Duration) time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()

	delay := notReadyRetry
	if pe, ok := i.pending[entryID]; ok {
		delay = min(pe.delay*2, max(scan, notReadyRetry))
	}
	i.pending[entryID] = &pendingEntry{delay: delay, next: time.Now().Add(delay)}
	return delay
}

func (i *Integration) dropRetry(entryID string) {
	i.mu.Lock()
	delete(i.pending, entryID)
	i.mu.Unlock()
}

// markAuthFailed keeps the entry out of the retry set until a reauth and
// notifies once per failure.
func (i *Integration) markAuthFailed(ctx context.Context, entry flow.Entry) {
	i.mu.Lock()
	delete(i.pending, entry.ID)
	_, known := i.authFailed[entry.ID]
	i.authFailed[entry.ID] = struct{}{}
	i.mu.Unlock()

	if !known {
		i.notify(ctx, fmt.Sprintf("myLeviton login for %s failed. Reauthentication is required.", entry.Data.Username))
	}
}

// clearAuthFailed dismisses the reauth notification once the last entry
// that needed it works again.
func (i *Integration) clearAuthFailed(ctx context.Context, entryID string) {
	i.mu.Lock()
	_, was := i.authFailed[entryID]
	delete(i.authFailed, entryID)
	resolved := was && i.awaitingReauthLocked() == 0
	i.mu.Unlock()

	if resolved {
		i.dismiss(ctx)
	}
}

// awaitingReauthLocked counts entries waiting for reauthentication, forgetting
// those removed from the store meanwhile. Caller must hold i.mu.
func (i *Integration) awaitingReauthLocked() int {
	for id := range i.authFailed {
		if _, err := i.store.Get(id); err != nil {
			delete(i.authFailed, id)
		}
	}
	return len(i.authFailed)
}

func (i *Integration) notify(ctx context.Context, msg string) {
	if err := i.notifier.Notify(ctx, msg); err != nil {
		i.logger.Error("sending notification", "error", err)
	}
}

func (i *Integration) dismiss(ctx context.Context) {
	d, ok := i.notifier.(Dismisser)
	if !ok {
		return
	}
	if err := d.Dismiss(ctx); err != nil {
		i.logger.Warn("dismissing notification", "error", err)
	}
}
