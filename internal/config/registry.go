package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/facerelay/pkg/animation"
	"github.com/MrWong99/facerelay/pkg/dialogue"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// DialogueFactory builds a dialogue transport from its config section.
type DialogueFactory func(DialogueConfig) (dialogue.Transport, error)

// AnimationFactory builds an animation client from its config section.
type AnimationFactory func(AnimationConfig) (animation.Client, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	dialogue  map[string]DialogueFactory
	animation map[string]AnimationFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		dialogue:  make(map[string]DialogueFactory),
		animation: make(map[string]AnimationFactory),
	}
}

// RegisterDialogue registers a dialogue transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDialogue(name string, factory DialogueFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialogue[name] = factory
}

// RegisterAnimation registers an animation client factory under name.
func (r *Registry) RegisterAnimation(name string, factory AnimationFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.animation[name] = factory
}

// CreateDialogue instantiates a transport using the factory registered under
// cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateDialogue(cfg DialogueConfig) (dialogue.Transport, error) {
	r.mu.RLock()
	factory, ok := r.dialogue[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: dialogue/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateAnimation instantiates a client using the factory registered under
// cfg.Provider.
func (r *Registry) CreateAnimation(cfg AnimationConfig) (animation.Client, error) {
	r.mu.RLock()
	factory, ok := r.animation[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: animation/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// Names returns the sorted provider names registered for kind
// ("dialogue" or "animation").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "dialogue":
		for n := range r.dialogue {
			names = append(names, n)
		}
	case "animation":
		for n := range r.animation {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
