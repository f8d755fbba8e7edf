// internal/directory/client.go
// Package directory provides access to the event and registration directory.
// The admission service only reads from it: event windows, anchor policy and
// confirmed registration bindings.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// ErrNotFound is returned when an event or registration does not exist.
var ErrNotFound = errors.New("directory entry not found")

// Directory resolves events and registrations.
type Directory interface {
	GetEvent(ctx context.Context, eventID string) (model.Event, error)
	GetRegistration(ctx context.Context, registrationID string) (model.Registration, error)
}

// Client is the HTTP implementation of Directory.
type Client struct {
	base string       // Base URL of the directory service
	hc   *http.Client // HTTP client with custom configuration
}

// New creates a directory client with short timeouts suitable for the scan path.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// GetEvent retrieves an event by ID.
func (c *Client) GetEvent(ctx context.Context, eventID string) (model.Event, error) {
	var ev model.Event
	err := c.get(ctx, "/v1/events/"+url.PathEscape(eventID), &ev)
	return ev, err
}

// GetRegistration retrieves a registration by ID.
func (c *Client) GetRegistration(ctx context.Context, registrationID string) (model.Registration, error) {
	var reg model.Registration
	err := c.get(ctx, "/v1/registrations/"+url.PathEscape(registrationID), &reg)
	return reg, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return fmt.Errorf("invalid directory url: %w", err)
	}
	u.Path = path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("directory get %s failed: %s", path, resp.Status)
	}
}

// Static is an in-memory Directory for tests and local runs.
type Static struct {
	mu            sync.RWMutex
	events        map[string]model.Event
	registrations map[string]model.Registration
}

// NewStatic creates an empty Static directory.
func NewStatic() *Static {
	return &Static{
		events:        make(map[string]model.Event),
		registrations: make(map[string]model.Registration),
	}
}

// PutEvent adds or replaces an event.
func (s *Static) PutEvent(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
}

// PutRegistration adds or replaces a registration.
func (s *Static) PutRegistration(reg model.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[reg.ID] = reg
}

func (s *Static) GetEvent(ctx context.Context, eventID string) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return model.Event{}, ErrNotFound
	}
	return ev, nil
}

func (s *Static) GetRegistration(ctx context.Context, registrationID string) (model.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registrations[registrationID]
	if !ok {
		return model.Registration{}, ErrNotFound
	}
	return reg, nil
}
