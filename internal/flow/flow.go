// Package flow implements the interactive setup and reauthentication flow
// for myLeviton accounts and the store of resulting config entries.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"decora-wifi/internal/platform"
)

type Source string

const (
	SourceUser   Source = "user"
	SourceReauth Source = "reauth"
	SourceImport Source = "import"
)

type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Error keys shown on the form.
const (
	ErrorInvalidAuth   = "invalid_auth"
	ErrorCannotConnect = "cannot_connect"
	ErrorUnknown       = "unknown"
	ErrorRequired      = "required"
)

// Abort reasons.
const (
	ReasonAlreadyConfigured = "already_configured"
	ReasonReauthSuccessful  = "reauth_successful"
	ReasonUnknownEntry      = "unknown_entry"
)

// Limits on flows left waiting at a form.
const (
	IdleFlowTimeout = 30 * time.Minute
	MaxFlows        = 100
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrTooManyFlows = errors.New("too many config flows in progress")
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

var credentialsSchema = []Field{
	{Name: "username", Type: "string", Required: true},
	{Name: "password", Type: "string", Required: true},
}

// Result is what a flow step returns to the front end.
type Result struct {
	Type    ResultType        `json:"type"`
	FlowID  string            `json:"flow_id"`
	StepID  string            `json:"step_id,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	Schema  []Field           `json:"data_schema,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Title   string            `json:"title,omitempty"`
	Data    *Credentials      `json:"data,omitempty"`
	EntryID string            `json:"entry_id,omitempty"`
}

// Validator checks credentials against myLeviton and returns the user id.
type Validator interface {
	Validate(ctx context.Context, username, password string) (string, error)
}

// Reloader re-sets up an entry after its credentials changed.
type Reloader func(ctx context.Context, entry Entry) error

type flowState struct {
	id       string
	source   Source
	uniqueID string
	entry    *Entry
	touched  time.Time
}

// Manager runs config flows and owns their in-progress state.
type Manager struct {
	store     Store
	validator Validator
	reload    Reloader
	logger    *slog.Logger

	mu    sync.Mutex
	flows map[string]*flowState
}

func NewManager(store Store, validator Validator, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		validator: validator,
		logger:    logger,
		flows:     make(map[string]*flowState),
	}
}

// OnReauth sets the hook called after a reauth flow updated an entry.
func (m *Manager) OnReauth(fn Reloader) {
	m.reload = fn
}

// Init starts a flow. A nil input shows the first form.
func (m *Manager) Init(ctx context.Context, source Source, input *Credentials) (Result, error) {
	switch source {
	case SourceUser, SourceReauth, SourceImport:
	default:
		return Result{}, fmt.Errorf("unknown flow source %q", source)
	}

	f := &flowState{id: uuid.NewString(), source: source, touched: time.Now()}

	m.mu.Lock()
	if len(m.flows) >= MaxFlows {
		m.pruneLocked(f.touched)
	}
	if len(m.flows) >= MaxFlows {
		m.mu.Unlock()
		return Result{}, ErrTooManyFlows
	}
	m.flows[f.id] = f
	m.mu.Unlock()

	m.logger.Debug("config flow started", "flow_id", f.id, "source", source)

	return m.runStep(ctx, f, input)
}

// Configure feeds user input into a flow waiting on a form.
func (m *Manager) Configure(ctx context.Context, flowID string, input Credentials) (Result, error) {
	m.mu.Lock()
	f, ok := m.flows[flowID]
	if ok {
		f.touched = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}

	return m.runStep(ctx, f, &input)
}

// InProgress returns the number of unfinished flows.
func (m *Manager) InProgress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}

// Prune drops flows that have waited at a form longer than IdleFlowTimeout
// at now and returns how many were dropped.
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(now)
}

func (m *Manager) pruneLocked(now time.Time) int {
	n := 0
	for id, f := range m.flows {
		if now.Sub(f.touched) > IdleFlowTimeout {
			delete(m.flows, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("idle config flows dropped", "count", n)
	}
	return n
}

func (m *Manager) runStep(ctx context.Context, f *flowState, input *Credentials) (Result, error) {
	var (
		res Result
		err error
	)
	switch f.source {
	case SourceReauth:
		res, err = m.stepAuth(ctx, f, input, string(SourceReauth))
	default:
		// import goes through the user step
		res, err = m.stepAuth(ctx, f, input, string(SourceUser))
	}

	if err != nil || res.Type != ResultForm {
		m.mu.Lock()
		delete(m.flows, f.id)
		m.mu.Unlock()
	}
	return res, err
}

func (m *Manager) stepAuth(ctx context.Context, f *flowState, input *Credentials, stepID string) (Result, error) {
	if input == nil {
		return m.form(f, stepID, nil), nil
	}

	creds := Credentials{
		Username: strings.TrimSpace(input.Username),
		Password: input.Password,
	}

	if errs := validateInput(creds); errs != nil {
		return m.form(f, stepID, errs), nil
	}

	f.uniqueID = creds.Username
	existing, found := m.store.FindByUniqueID(f.uniqueID)
	if f.source == SourceReauth {
		if !found {
			return m.abort(f, ReasonUnknownEntry), nil
		}
		f.entry = &existing
	} else if found {
		return m.abort(f, ReasonAlreadyConfigured), nil
	}

	userID, err := m.validator.Validate(ctx, creds.Username, creds.Password)
	if err != nil {
		key := errorKey(err)
		m.logger.Warn("credential validation failed", "flow_id", f.id, "reason", key, "error", err)
		return m.form(f, stepID, map[string]string{"base": key}), nil
	}

	if f.source == SourceReauth {
		entry := *f.entry
		entry.Data.Username = creds.Username
		entry.Data.Password = creds.Password
		if entry.Data.UserID == "" {
			entry.Data.UserID = userID
		}
		entry.Title = EntryTitle(creds.Username)

		if err := m.store.Update(entry); err != nil {
			return Result{}, fmt.Errorf("updating entry: %w", err)
		}

		if m.reload != nil {
			if err := m.reload(ctx, entry); err != nil {
				m.logger.Error("reloading entry after reauth", "entry_id", entry.ID, "error", err)
			}
		}

		res := m.abort(f, ReasonReauthSuccessful)
		res.EntryID = entry.ID
		return res, nil
	}

	entry := NewEntry(EntryData{
		Username: creds.Username,
		Password: creds.Password,
		UserID:   userID,
	})
	if err := m.store.Add(entry); err != nil {
		return Result{}, fmt.Errorf("adding entry: %w", err)
	}

	m.logger.Info("config entry created", "entry_id", entry.ID, "title", entry.Title)

	return Result{
		Type:    ResultCreateEntry,
		FlowID:  f.id,
		Title:   entry.Title,
		Data:    &creds,
		EntryID: entry.ID,
	}, nil
}

func (m *Manager) form(f *flowState, stepID string, errs map[string]string) Result {
	return Result{
		Type:   ResultForm,
		FlowID: f.id,
		StepID: stepID,
		Errors: errs,
		Schema: credentialsSchema,
	}
}

func (m *Manager) abort(f *flowState, reason string) Result {
	return Result{Type: ResultAbort, FlowID: f.id, Reason: reason}
}

func validateInput(c Credentials) map[string]string {
	errs := make(map[string]string)
	if c.Username == "" {
		errs["username"] = ErrorRequired
	}
	if c.Password == "" {
		errs["password"] = ErrorRequired
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func errorKey(err error) string {
	switch {
	case errors.Is(err, platform.ErrLoginFailed):
		return ErrorInvalidAuth
	case errors.Is(err, platform.ErrCommFailed):
		return ErrorCannotConnect
	default:
		return ErrorUnknown
	}
}

// PlatformValidator validates credentials with a throwaway session holder.
type PlatformValidator struct {
	Sessions platform.SessionFactory
	Logger   *slog.Logger
}

func (v PlatformValidator) Validate(ctx context.Context, username, password string) (string, error) {
	p := platform.New(username, password, v.Sessions, v.Logger)
	if err := p.Login(ctx); err != nil {
		return "", err
	}

	userID := p.UniqueID()
	if err := p.Teardown(ctx); err != nil {
		v.Logger.Warn("logging out validation session", "error", err)
	}
	return userID, nil
}
