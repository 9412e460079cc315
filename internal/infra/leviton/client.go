package leviton

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"decora-wifi/internal/domain"
	"decora-wifi/internal/infra"
)

const DefaultBaseURL = "https://my.leviton.com/api"

const (
	clientID      = "levdb-echo-proto"
	registeredVia = "myLeviton"
)

var (
	ErrInvalidCredentials = errors.New("myLeviton rejected the credentials")
	ErrNotLoggedIn        = errors.New("myLeviton session is not logged in")
)

// APIError is returned for any non-success answer other than a rejected login.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("myLeviton API call (%s %s) failed: %d, %s", e.Method, e.Path, e.StatusCode, e.Body)
}

type Person struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// ResidentialPermission grants a person access to either a whole residential
// account or a single residence.
type ResidentialPermission struct {
	ID                   int64  `json:"id"`
	PersonID             int64  `json:"personId,omitempty"`
	ResidentialAccountID *int64 `json:"residentialAccountId"`
	ResidenceID          *int64 `json:"residenceId"`
	Access               string `json:"access,omitempty"`
}

type Residence struct {
	ID                   int64  `json:"id"`
	Name                 string `json:"name"`
	ResidentialAccountID int64  `json:"residentialAccountId,omitempty"`
}

// Session is an authenticated handle to the myLeviton cloud API.
type Session struct {
	baseURL    string
	httpClient *http.Client
	retry      infra.RetryConfig

	mu    sync.RWMutex
	token string
	user  *Person
}

func NewSession(baseURL string) *Session {
	return NewSessionWithClient(baseURL, &http.Client{Timeout: 15 * time.Second})
}

func NewSessionWithClient(baseURL string, httpClient *http.Client) *Session {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Session{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		retry:      infra.DefaultRetryConfig(),
	}
}

// SetRetryConfig overrides the retry policy applied to every call.
func (s *Session) SetRetryConfig(cfg infra.RetryConfig) {
	s.retry = cfg
}

// Login authenticates and returns the logged in person.
func (s *Session) Login(ctx context.Context, email, password string) (*Person, error) {
	payload := map[string]string{
		"email":         email,
		"password":      password,
		"clientId":      clientID,
		"registeredVia": registeredVia,
	}

	var result struct {
		ID     string  `json:"id"`
		UserID int64   `json:"userId"`
		User   *Person `json:"user"`
	}
	if err := s.call(ctx, http.MethodPost, "/Person/login?include=user", payload, &result); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	if result.ID == "" {
		return nil, fmt.Errorf("logging in: %w", ErrInvalidCredentials)
	}

	user := result.User
	if user == nil {
		user = &Person{}
	}
	if user.ID == 0 {
		user.ID = result.UserID
	}

	s.mu.Lock()
	s.token = result.ID
	s.user = user
	s.mu.Unlock()

	return user, nil
}

func (s *Session) Logout(ctx context.Context) error {
	if err := s.call(ctx, http.MethodPost, "/Person/logout", nil, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.mu.Unlock()

	return nil
}

// User returns the logged in person, or nil.
func (s *Session) User() *Person {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) ResidentialPermissions(ctx context.Context) ([]ResidentialPermission, error) {
	user := s.User()
	if user == nil {
		return nil, ErrNotLoggedIn
	}

	var perms []ResidentialPermission
	path := fmt.Sprintf("/Person/%d/residentialPermissions", user.ID)
	if err := s.call(ctx, http.MethodGet, path, nil, &perms); err != nil {
		return nil, fmt.Errorf("fetching residential permissions: %w", err)
	}
	return perms, nil
}

func (s *Session) Residences(ctx context.Context, accountID int64) ([]Residence, error) {
	var residences []Residence
	path := fmt.Sprintf("/ResidentialAccounts/%d/residences", accountID)
	if err := s.call(ctx, http.MethodGet, path, nil, &residences); err != nil {
		return nil, fmt.Errorf("fetching residences of account %d: %w", accountID, err)
	}
	return residences, nil
}

func (s *Session) IotSwitches(ctx context.Context, residenceID int64) ([]domain.IotSwitch, error) {
	var switches []domain.IotSwitch
	path := fmt.Sprintf("/Residences/%d/iotSwitches", residenceID)
	if err := s.call(ctx, http.MethodGet, path, nil, &switches); err != nil {
		return nil, fmt.Errorf("fetching switches of residence %d: %w", residenceID, err)
	}
	return switches, nil
}

// Switch fetches the current state of a single switch.
func (s *Session) Switch(ctx context.Context, id int64) (domain.IotSwitch, error) {
	var sw domain.IotSwitch
	path := fmt.Sprintf("/IotSwitches/%d", id)
	if err := s.call(ctx, http.MethodGet, path, nil, &sw); err != nil {
		return domain.IotSwitch{}, fmt.Errorf("refreshing switch %d: %w", id, err)
	}
	return sw, nil
}

// UpdateSwitch writes the given attributes and returns the stored switch.
func (s *Session) UpdateSwitch(ctx context.Context, id int64, update domain.SwitchUpdate) (domain.IotSwitch, error) {
	var sw domain.IotSwitch
	path := fmt.Sprintf("/IotSwitches/%d", id)
	if err := s.call(ctx, http.MethodPut, path, update, &sw); err != nil {
		return domain.IotSwitch{}, fmt.Errorf("updating switch %d: %w", id, err)
	}
	return sw, nil
}

func (s *Session) call(ctx context.Context, method, path string, payload, out any) error {
	isLogin := strings.HasPrefix(path, "/Person/login")

	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if !isLogin && token == "" {
		return ErrNotLoggedIn
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	var respBody []byte
	err := infra.WithRetry(ctx, s.retry, func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bodyReader)
		if err != nil {
			return infra.Permanent(fmt.Errorf("creating request: %w", err))
		}

		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if isLogin && resp.StatusCode == http.StatusUnauthorized {
			return infra.Permanent(ErrInvalidCredentials)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		apiErr := &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
		if infra.IsRetryableHTTPStatus(resp.StatusCode) {
			return apiErr
		}
		return infra.Permanent(apiErr)
	})
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	return nil
}
