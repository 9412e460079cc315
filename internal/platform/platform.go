// Package platform holds a myLeviton login session and the switches
// discovered through it.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/samber/lo"

	"decora-wifi/internal/domain"
	"decora-wifi/internal/entity"
	"decora-wifi/internal/infra/leviton"
)

// Session is the subset of the myLeviton client the platform relies on.
type Session interface {
	entity.SwitchController

	Login(ctx context.Context, email, password string) (*leviton.Person, error)
	Logout(ctx context.Context) error
	ResidentialPermissions(ctx context.Context) ([]leviton.ResidentialPermission, error)
	Residences(ctx context.Context, accountID int64) ([]leviton.Residence, error)
	IotSwitches(ctx context.Context, residenceID int64) ([]domain.IotSwitch, error)
}

// SessionFactory returns a fresh, logged out session.
type SessionFactory func() Session

// NewSessionFactory returns a factory for real myLeviton sessions.
func NewSessionFactory(baseURL string) SessionFactory {
	return func() Session {
		return leviton.NewSession(baseURL)
	}
}

// Platform is the per-account session holder. It implements
// entity.SwitchController by delegating to the current session, so entities
// keep working across a Reauth.
type Platform struct {
	email      string
	password   string
	newSession SessionFactory
	logger     *slog.Logger

	// op serializes session operations; mu guards the fields below.
	op sync.Mutex
	mu sync.RWMutex

	session   Session
	switches  map[domain.PlatformKind][]domain.IotSwitch
	userID    string
	loggedIn  bool
	listeners []func()
}

func New(email, password string, newSession SessionFactory, logger *slog.Logger) *Platform {
	return &Platform{
		email:      email,
		password:   password,
		newSession: newSession,
		logger:     logger.With("account", email),
		session:    newSession(),
		switches:   emptySwitches(),
	}
}

func emptySwitches() map[domain.PlatformKind][]domain.IotSwitch {
	m := make(map[domain.PlatformKind][]domain.IotSwitch, len(domain.Platforms))
	for _, p := range domain.Platforms {
		m[p] = nil
	}
	return m
}

// Name is the friendly name of the session entity.
func (p *Platform) Name() string {
	return "Decora_Wifi - " + p.email
}

// UniqueID is the myLeviton user id, empty until the first login.
func (p *Platform) UniqueID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userID
}

// IsOn reports whether the session is logged in.
func (p *Platform) IsOn() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loggedIn
}

func (p *Platform) ShouldPoll() bool {
	return false
}

// OnStateChange registers fn to run whenever the login state changes.
func (p *Platform) OnStateChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// ActivePlatforms lists the platforms that have at least one device.
func (p *Platform) ActivePlatforms() []domain.PlatformKind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return lo.Filter(domain.Platforms, func(kind domain.PlatformKind, _ int) bool {
		return len(p.switches[kind]) > 0
	})
}

func (p *Platform) Lights() []domain.IotSwitch {
	return p.Switches(domain.PlatformLight)
}

func (p *Platform) Fans() []domain.IotSwitch {
	return p.Switches(domain.PlatformFan)
}

func (p *Platform) Switches(kind domain.PlatformKind) []domain.IotSwitch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.IotSwitch(nil), p.switches[kind]...)
}

// Setup logs in and enumerates the account's devices.
func (p *Platform) Setup(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()

	if err := p.login(ctx); err != nil {
		return err
	}
	return p.fetchDevices(ctx)
}

// Login logs in without enumerating devices. Used to validate credentials.
func (p *Platform) Login(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()
	return p.login(ctx)
}

// Teardown logs the session out.
func (p *Platform) Teardown(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()
	return p.logout(ctx)
}

// Reauth replaces the session with a freshly logged in one.
func (p *Platform) Reauth(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()

	if err := p.logout(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.session = p.newSession()
	p.mu.Unlock()

	return p.login(ctx)
}

// RefreshDevices discards the known devices and enumerates them again.
func (p *Platform) RefreshDevices(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()

	p.mu.Lock()
	p.switches = emptySwitches()
	p.mu.Unlock()

	return p.fetchDevices(ctx)
}

func (p *Platform) Switch(ctx context.Context, id int64) (domain.IotSwitch, error) {
	return p.current().Switch(ctx, id)
}

func (p *Platform) UpdateSwitch(ctx context.Context, id int64, update domain.SwitchUpdate) (domain.IotSwitch, error) {
	return p.current().UpdateSwitch(ctx, id, update)
}

func (p *Platform) current() Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

func (p *Platform) login(ctx context.Context) error {
	user, err := p.current().Login(ctx, p.email, p.password)
	if err != nil {
		p.setLoggedIn(false)
		if errors.Is(err, leviton.ErrInvalidCredentials) {
			return fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}
		return commFailed(err)
	}
	if user == nil {
		p.setLoggedIn(false)
		return ErrLoginFailed
	}

	p.mu.Lock()
	p.userID = strconv.FormatInt(user.ID, 10)
	p.mu.Unlock()

	p.setLoggedIn(true)
	p.logger.Info("logged in to myLeviton", "user_id", user.ID)
	return nil
}

func (p *Platform) logout(ctx context.Context) error {
	if p.IsOn() {
		if err := p.current().Logout(ctx); err != nil {
			return commFailed(err)
		}
		p.logger.Info("logged out of myLeviton")
	}
	p.setLoggedIn(false)
	return nil
}

func (p *Platform) fetchDevices(ctx context.Context) error {
	session := p.current()

	found, err := collectSwitches(ctx, session)

	p.mu.Lock()
	for _, sw := range found {
		kind := Classify(sw)
		p.switches[kind] = append(p.switches[kind], sw)
	}
	p.mu.Unlock()

	if err != nil {
		p.setLoggedIn(false)
		return commFailed(err)
	}

	p.logger.Info("devices discovered",
		"lights", len(p.Switches(domain.PlatformLight)),
		"fans", len(p.Switches(domain.PlatformFan)),
	)
	return nil
}

// collectSwitches walks permissions to residences to switches. Switches found
// before a failure are still returned.
func collectSwitches(ctx context.Context, session Session) ([]domain.IotSwitch, error) {
	perms, err := session.ResidentialPermissions(ctx)
	if err != nil {
		return nil, err
	}

	var found []domain.IotSwitch
	for _, perm := range perms {
		switch {
		case perm.ResidentialAccountID != nil:
			residences, err := session.Residences(ctx, *perm.ResidentialAccountID)
			if err != nil {
				return found, err
			}
			for _, res := range residences {
				switches, err := session.IotSwitches(ctx, res.ID)
				if err != nil {
					return found, err
				}
				found = append(found, switches...)
			}
		case perm.ResidenceID != nil:
			switches, err := session.IotSwitches(ctx, *perm.ResidenceID)
			if err != nil {
				return found, err
			}
			found = append(found, switches...)
		}
	}
	return found, nil
}

// Classify picks the entity platform for a switch.
func Classify(sw domain.IotSwitch) domain.PlatformKind {
	if entity.IsFanModel(sw.Model) {
		return domain.PlatformFan
	}
	return domain.PlatformLight
}

func (p *Platform) setLoggedIn(v bool) {
	p.mu.Lock()
	changed := p.loggedIn != v
	p.loggedIn = v
	listeners := append([]func(){}, p.listeners...)
	p.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn()
	}
}
