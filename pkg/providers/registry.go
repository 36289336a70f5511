package providers

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dukex/courier/pkg/models"
)

// Registry maps provider names to their adapters and outbound senders.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Provider]Adapter
	senders  map[models.Provider]Sender
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: map[models.Provider]Adapter{},
		senders:  map[models.Provider]Sender{},
	}
}

func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[adapter.Provider()] = adapter
}

func (r *Registry) RegisterSender(provider models.Provider, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.senders[provider] = sender
}

func (r *Registry) Adapter(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[models.Provider(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	return adapter, nil
}

func (r *Registry) Providers() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]models.Provider, 0, len(r.adapters))
	for provider := range r.adapters {
		providers = append(providers, provider)
	}

	slices.Sort(providers)

	return providers
}

// Send routes message to the sender registered for message.Provider.
func (r *Registry) Send(ctx context.Context, message models.OutboundMessage) error {
	r.mu.RLock()
	sender, ok := r.senders[message.Provider]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSenderNotConfigured, message.Provider)
	}

	return sender.Send(ctx, message)
}
