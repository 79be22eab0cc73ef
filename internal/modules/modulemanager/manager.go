// Package modulemanager wires feature modules into the application.
// Modules register themselves from init() and are migrated, initialized
// and routed in registration order.
package modulemanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/crescendo-media/crescendo/internal/logger"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Module is the contract every feature module implements.
type Module interface {
	ID() string
	Name() string
	Core() bool
	Migrate(db *gorm.DB) error
	Init() error
}

// RouteRegistrar is an optional interface for modules exposing HTTP routes.
type RouteRegistrar interface {
	RegisterRoutes(router *gin.Engine)
}

// Shutdowner is an optional interface for modules with background work
// that must stop before the process exits.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ModuleRegistry manages module registration and initialization.
type ModuleRegistry struct {
	mu          sync.RWMutex
	modules     []Module
	byID        map[string]Module
	initialized bool
}

// Registry is the global module registry.
var Registry = &ModuleRegistry{
	byID: make(map[string]Module),
}

// Register adds a module to the global registry.
func Register(m Module) {
	Registry.Register(m)
}

func (r *ModuleRegistry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		logger.Warn("module registered after initialization", "module", m.ID())
	}
	if _, exists := r.byID[m.ID()]; exists {
		logger.Warn("module registered twice, replacing", "module", m.ID())
		for i, existing := range r.modules {
			if existing.ID() == m.ID() {
				r.modules[i] = m
				r.byID[m.ID()] = m
				return
			}
		}
	}
	r.modules = append(r.modules, m)
	r.byID[m.ID()] = m
	logger.Info("module registered", "module", m.ID(), "name", m.Name())
}

// LoadAll migrates and initializes every registered module.
func LoadAll(db *gorm.DB) error {
	return Registry.LoadAll(db)
}

func (r *ModuleRegistry) LoadAll(db *gorm.DB) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		logger.Warn("module system already initialized")
		return nil
	}

	logger.Info("loading modules", "count", len(r.modules))
	for _, m := range r.modules {
		if err := m.Migrate(db); err != nil {
			return fmt.Errorf("migrate %s: %w", m.ID(), err)
		}
		if err := m.Init(); err != nil {
			return fmt.Errorf("init %s: %w", m.ID(), err)
		}
		logger.Info("module loaded", "module", m.ID())
	}

	r.initialized = true
	return nil
}

// RegisterRoutes registers routes for all modules that expose them.
func RegisterRoutes(router *gin.Engine) {
	Registry.RegisterRoutes(router)
}

func (r *ModuleRegistry) RegisterRoutes(router *gin.Engine) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.modules {
		if registrar, ok := m.(RouteRegistrar); ok {
			registrar.RegisterRoutes(router)
		}
	}
}

// ShutdownAll stops modules in reverse registration order.
func ShutdownAll(ctx context.Context) {
	Registry.ShutdownAll(ctx)
}

func (r *ModuleRegistry) ShutdownAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.modules) - 1; i >= 0; i-- {
		if s, ok := r.modules[i].(Shutdowner); ok {
			if err := s.Shutdown(ctx); err != nil {
				logger.Warn("module shutdown error", "module", r.modules[i].ID(), "error", err)
			}
		}
	}
}

// GetModule returns a module by ID.
func GetModule(id string) (Module, bool) {
	return Registry.GetModule(id)
}

func (r *ModuleRegistry) GetModule(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}

// ListModules returns all registered modules.
func ListModules() []Module {
	return Registry.ListModules()
}

func (r *ModuleRegistry) ListModules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, len(r.modules))
	copy(out, r.modules)
	return out
}
