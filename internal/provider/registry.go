package provider

import (
	"context"
	"sync"
	"time"

	apperrors "qvault/internal/errors"
	"qvault/internal/logging"
)

// Registry holds one client per known provider and implements the vault's
// ConnectionTester port. It rebuilds a provider's client when notified of a
// credential change so later tests run on a fresh transport.
type Registry struct {
	timeout time.Duration
	log     *logging.Logger

	mu       sync.RWMutex
	baseURLs map[string]string
	clients  map[string]Client
}

// NewRegistry builds clients for every known provider.
func NewRegistry(timeout time.Duration, log *logging.Logger) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}

	r := &Registry{
		timeout:  timeout,
		log:      log.WithField("component", "provider"),
		baseURLs: make(map[string]string),
		clients:  make(map[string]Client),
	}

	for name := range builders {
		client, err := newRESTClient(name, "", timeout)
		if err != nil {
			continue
		}
		r.clients[name] = client
	}

	return r
}

// Test verifies an API key against the named provider.
func (r *Registry) Test(ctx context.Context, service, apiKey string) error {
	r.mu.RLock()
	client, ok := r.clients[service]
	r.mu.RUnlock()

	if !ok {
		return apperrors.Newf(apperrors.ErrCodeCollaborator, "no provider client for service %q", service)
	}

	if err := client.Test(ctx, apiKey); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCollaborator, "provider test failed")
	}
	return nil
}

// Rebuild replaces the client for a service. Registered with the vault's
// OnCredentialChange hook; unknown services are ignored.
func (r *Registry) Rebuild(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, err := newRESTClient(service, r.baseURLs[service], r.timeout)
	if err != nil {
		return
	}
	r.clients[service] = client
	r.log.WithField("service", service).Debug("provider client rebuilt")
}

// SetBaseURL points a provider client at a different endpoint. Used by
// tests.
func (r *Registry) SetBaseURL(service, baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.baseURLs[service] = baseURL
	if client, err := newRESTClient(service, baseURL, r.timeout); err == nil {
		r.clients[service] = client
	}
}

// Services returns the provider names the registry can test.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
