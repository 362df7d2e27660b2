package channel

import (
	"slices"
	"sync"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

// InvalidMessageChannelName is the registry name of the default error sink.
const InvalidMessageChannelName = "invalidMessageChannel"

// Resolver looks channels up by name.
type Resolver interface {
	LookupChannel(name string) (MessageChannel, bool)
}

// Registry maps names to channels and holds the invalid-message channel.
//
// Registering a name twice replaces the earlier channel. A channel lives under
// at most one name, so registering it again under a new name drops the old
// mapping. Channels must be comparable, which pointer implementations are.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]MessageChannel
	names   map[MessageChannel]string
	invalid MessageChannel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]MessageChannel),
		names:  make(map[MessageChannel]string),
	}
}

// RegisterChannel stores ch under name. It reports the channel previously
// registered under that name, if any, so callers can detect overwrites.
func (r *Registry) RegisterChannel(name string, ch MessageChannel) (MessageChannel, error) {
	if name == "" {
		return nil, errspkg.ErrChannelNameRequired
	}
	if ch == nil {
		return nil, errspkg.ErrChannelRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if oldName, ok := r.names[ch]; ok && oldName != name {
		delete(r.byName, oldName)
	}
	previous, replaced := r.byName[name]
	if replaced && previous != ch {
		delete(r.names, previous)
	}

	r.byName[name] = ch
	r.names[ch] = name
	if setter, ok := ch.(nameSetter); ok {
		setter.SetName(name)
	}

	if replaced && previous != ch {
		return previous, nil
	}
	return nil, nil
}

// LookupChannel returns the channel registered under name.
func (r *Registry) LookupChannel(name string) (MessageChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byName[name]
	return ch, ok
}

// NameOf returns the name ch is registered under.
func (r *Registry) NameOf(ch MessageChannel) (string, bool) {
	if ch == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[ch]
	return name, ok
}

// ChannelNames returns the registered names in sorted order.
func (r *Registry) ChannelNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Snapshot copies the name to channel mapping.
func (r *Registry) Snapshot() map[string]MessageChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]MessageChannel, len(r.byName))
	for name, ch := range r.byName {
		out[name] = ch
	}
	return out
}

// InvalidMessageChannel returns the current error sink, which may be nil
// before the bus initialises.
func (r *Registry) InvalidMessageChannel() MessageChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.invalid
}

// SetInvalidMessageChannel replaces the error sink.
func (r *Registry) SetInvalidMessageChannel(ch MessageChannel) {
	r.mu.Lock()
	r.invalid = ch
	r.mu.Unlock()
}

// EnsureInvalidMessageChannel installs an unbounded channel as the error sink
// when none is set and returns the sink in effect.
func (r *Registry) EnsureInvalidMessageChannel() (MessageChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.invalid != nil {
		return r.invalid, false
	}
	r.invalid = NewNamedChannel(InvalidMessageChannelName, 0)
	return r.invalid, true
}
