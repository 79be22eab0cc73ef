package scannermodule

import (
	"context"
	"fmt"

	"github.com/crescendo-media/crescendo/internal/config"
	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/crescendo-media/crescendo/internal/events"
	"github.com/crescendo-media/crescendo/internal/logger"
	"github.com/crescendo-media/crescendo/internal/modules/modulemanager"
	"github.com/crescendo-media/crescendo/internal/modules/scannermodule/scanner"
	"github.com/crescendo-media/crescendo/internal/queue"
	"gorm.io/gorm"
)

// Auto-register the module when imported
func init() {
	Register()
}

const (
	// ModuleID is the unique identifier for the scanner module
	ModuleID = "system.scanner"

	// ModuleName is the display name for the scanner module
	ModuleName = "Music Scanner"
)

// Module implements library scanning as a module: it owns the job
// broker, the session event bus, and the scan pipeline built on both.
type Module struct {
	db      *gorm.DB
	broker  *queue.Broker
	bus     *events.Bus
	manager *scanner.Manager
}

// Register registers the scanner module with the module system
func Register() {
	modulemanager.Register(&Module{})
}

// ID returns the unique module identifier
func (m *Module) ID() string {
	return ModuleID
}

// Name returns the module display name
func (m *Module) Name() string {
	return ModuleName
}

// Core returns whether this is a core module
func (m *Module) Core() bool {
	return true
}

// Migrate performs database migrations
func (m *Module) Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&database.MediaLibrary{},
		&database.ScanSession{},
		&database.MediaFile{},
		&database.TrackMetadata{},
	); err != nil {
		return fmt.Errorf("failed to migrate scanner models: %w", err)
	}
	return nil
}

// Init builds the broker, event bus and scan manager, and starts the
// scan queues.
func (m *Module) Init() error {
	if m.db == nil {
		m.db = database.GetDB()
	}
	cfg := config.Get()

	m.broker = queue.NewBroker(logger.Named("queue"))
	m.bus = events.NewBus(logger.Named("events"),
		events.WithStateCacheTTL(cfg.Events.StateCacheTTL),
		events.WithSubscriberBuffer(cfg.Events.SubscriberBuffer),
	)
	m.manager = scanner.NewManager(m.db, m.broker, m.bus, cfg.Scanner)

	if err := m.manager.Start(); err != nil {
		return fmt.Errorf("failed to start scan manager: %w", err)
	}
	return nil
}

// Shutdown stops background scanning and drains the job broker.
func (m *Module) Shutdown(ctx context.Context) error {
	if m.manager != nil {
		m.manager.Stop()
	}
	if m.broker != nil {
		return m.broker.Shutdown(ctx)
	}
	return nil
}

// Manager exposes the scan manager, mainly for tests.
func (m *Module) Manager() *scanner.Manager {
	return m.manager
}

// Bus exposes the session event bus.
func (m *Module) Bus() *events.Bus {
	return m.bus
}
