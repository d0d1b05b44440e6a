package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pgmonproject/pgmon/internal/pgmon/registry"
)

// Provider supplies the current backend set. Both implementations normalize
// their source into the same descriptor set before it reaches the registry.
type Provider interface {
	Discover(ctx context.Context) ([]registry.BackendDescriptor, error)
}

// SourceError indicates a discovery poll failed. The previously known
// backend set is retained unchanged when this is reported.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("discovery source %s failed: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// StaticProvider serves a fixed backend set from configuration.
type StaticProvider struct {
	backends []registry.BackendDescriptor
}

func NewStaticProvider(backends []registry.BackendDescriptor) *StaticProvider {
	copied := make([]registry.BackendDescriptor, len(backends))
	copy(copied, backends)
	return &StaticProvider{backends: copied}
}

func (p *StaticProvider) Discover(ctx context.Context) ([]registry.BackendDescriptor, error) {
	backends := make([]registry.BackendDescriptor, len(p.backends))
	copy(backends, p.backends)
	return backends, nil
}

// HTTPProvider polls a directory service returning a JSON array of backend
// descriptors.
type HTTPProvider struct {
	url    string
	client *http.Client
}

func NewHTTPProvider(url string, requestTimeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: requestTimeout},
	}
}

type backendDocument struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Database string `json:"database"`
}

func (p *HTTPProvider) Discover(ctx context.Context) ([]registry.BackendDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, &SourceError{Source: p.url, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &SourceError{Source: p.url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, &SourceError{Source: p.url, Err: errors.Errorf("unexpected status %d", resp.StatusCode)}
	}
	var documents []backendDocument
	if err := json.NewDecoder(resp.Body).Decode(&documents); err != nil {
		return nil, &SourceError{Source: p.url, Err: err}
	}
	backends := make([]registry.BackendDescriptor, len(documents))
	for i, document := range documents {
		backends[i] = registry.BackendDescriptor{
			Name:     document.Name,
			Address:  document.Address,
			Port:     document.Port,
			Database: document.Database,
		}
	}
	return backends, nil
}

// Poll invokes the provider immediately and then on every interval until the
// context is cancelled, passing each successfully discovered set to onUpdate.
// A failed poll is logged and onUpdate is not called, so the consumer keeps
// the previously known set.
func Poll(ctx context.Context, provider Provider, interval time.Duration, onUpdate func([]registry.BackendDescriptor)) {
	discover := func() {
		backends, err := provider.Discover(ctx)
		if err != nil {
			log.WithError(err).Error("discovery poll failed; retaining previous backend set")
			return
		}
		onUpdate(backends)
	}
	discover()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			discover()
		}
	}
}
