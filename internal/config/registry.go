package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/dialog"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stt    map[string]func(ProviderEntry) (stt.Provider, error)
	dialog map[string]func(ProviderEntry) (dialog.Provider, error)
	tts    map[string]func(ProviderEntry) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:    make(map[string]func(ProviderEntry) (stt.Provider, error)),
		dialog: make(map[string]func(ProviderEntry) (dialog.Provider, error)),
		tts:    make(map[string]func(ProviderEntry) (tts.Provider, error)),
	}
}

// RegisterSTT registers a recognition provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterDialog registers a dialog provider factory under name.
func (r *Registry) RegisterDialog(name string, factory func(ProviderEntry) (dialog.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialog[name] = factory
}

// RegisterTTS registers a synthesis provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateSTT instantiates a recognition provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateDialog instantiates a dialog provider using the factory registered
// under entry.Name.
func (r *Registry) CreateDialog(entry ProviderEntry) (dialog.Provider, error) {
	return create(r, r.dialog, "dialog", entry)
}

// CreateTTS instantiates a synthesis provider using the factory registered
// under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

func create[P any](r *Registry, factories map[string]func(ProviderEntry) (P, error), kind string, entry ProviderEntry) (P, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		var zero P
		return zero, fmt.Errorf("config: create %s/%q: %w", kind, entry.Name, err)
	}
	return p, nil
}
