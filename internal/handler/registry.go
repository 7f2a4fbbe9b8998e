package handler

import (
	"sync"

	"go.uber.org/zap"
)

// Plugin is an externally registered step handler. A plugin claims a
// step through CanHandle before the external classifier is consulted;
// its Execute contract and failure treatment are identical to the
// built-in handlers.
type Plugin interface {
	Handler

	// Name identifies the plugin; it becomes the PLUGIN:<name> kind.
	Name() string

	// CanHandle reports whether the plugin claims the step text.
	CanHandle(stepText string) bool
}

// Registry holds plugins in registration order. The first plugin whose
// CanHandle returns true wins a step.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Register appends a plugin. Registration order is claim order.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
	r.logger.Info("registered plugin", zap.String("plugin", p.Name()))
}

// Claim returns the first plugin claiming the step text. A panic or
// misbehavior inside CanHandle is treated as "does not claim".
func (r *Registry) Claim(stepText string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if r.safeCanHandle(p, stepText) {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) safeCanHandle(p Plugin, stepText string) (claimed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("plugin CanHandle panicked",
				zap.String("plugin", p.Name()),
				zap.Any("panic", rec))
			claimed = false
		}
	}()
	return p.CanHandle(stepText)
}

// Find returns a plugin by name.
func (r *Registry) Find(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
