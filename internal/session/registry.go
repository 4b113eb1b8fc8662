package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tethergame/tether/internal/core"
)

// ClientIdentity is one registered client id. Rows are created either when
// the server assigns a fresh id to a client that connected with id 0, or the
// first time a self-identified client is accepted.
type ClientIdentity struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time
	LastSeen  time.Time
	LastAddr  string
}

// Registry persists client identity assignments across server restarts so
// that an id handed to a client stays uniquely theirs.
type Registry struct {
	db *gorm.DB
}

// OpenRegistry connects to the configured database engine and migrates the
// identity table. An empty engine defaults to an in-memory sqlite database,
// which is enough for development servers that don't care about persistence.
func OpenRegistry(config *core.Config) (*Registry, error) {
	var dialector gorm.Dialector

	switch config.Database.Engine {
	case "", "sqlite":
		filename := config.Database.Filename
		if filename == "" {
			filename = ":memory:"
		}
		dialector = sqlite.Open(filename)
	case "postgres":
		dialector = postgres.Open(config.DatabaseURL())
	default:
		return nil, fmt.Errorf("%w: unknown database engine %q", core.ErrConfigInvalid, config.Database.Engine)
	}

	// By default only log errors but enable full SQL query prints-to-console
	// with database logging enabled.
	logMode := logger.Default.LogMode(logger.Error)
	if config.Debugging.DatabaseLoggingEnabled {
		logMode = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logMode})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := db.AutoMigrate(&ClientIdentity{}); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}

	return &Registry{db: db}, nil
}

// Assign creates a fresh identity and returns its id, guaranteed nonzero.
func (r *Registry) Assign(remoteAddr string) (uint64, error) {
	identity := &ClientIdentity{
		LastSeen: time.Now(),
		LastAddr: remoteAddr,
	}
	if err := r.db.Create(identity).Error; err != nil {
		return 0, fmt.Errorf("error assigning client id: %w", err)
	}
	return identity.ID, nil
}

// Confirm records a successful handshake for a self-identified client,
// registering the id on first sight.
func (r *Registry) Confirm(id uint64, remoteAddr string) error {
	var identity ClientIdentity
	err := r.db.First(&identity, id).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = ClientIdentity{ID: id, LastSeen: time.Now(), LastAddr: remoteAddr}
		return r.db.Create(&identity).Error
	} else if err != nil {
		return err
	}

	identity.LastSeen = time.Now()
	identity.LastAddr = remoteAddr
	return r.db.Save(&identity).Error
}

// Close releases the underlying database connection.
func (r *Registry) Close() error {
	database, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	return database.Close()
}
