// Package store persists functions and their deployments in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a function or deployment does not exist.
var ErrNotFound = errors.New("not found")

// Function is a named, deployable unit. LiveDeploymentID points at the
// deployment that answers invocations.
type Function struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	Name             string    `json:"name" gorm:"not null"`
	LiveDeploymentID *string   `json:"live_deployment_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Deployment is one immutable version of a function's source.
type Deployment struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	FunctionID string    `json:"function_id" gorm:"not null;index"`
	Source     string    `json:"source" gorm:"not null"`
	Protocol   string    `json:"protocol"`
	Snapshot   []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`

	Function Function `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open opens the database at dsn and creates missing tables. ":memory:"
// gives a private in-memory database.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", dsn, err)
	}
	if dsn == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := db.AutoMigrate(&Function{}, &Deployment{}); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connections.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateFunction inserts a function. An empty name is replaced by a random
// one.
func (s *Store) CreateFunction(ctx context.Context, name string) (*Function, error) {
	if strings.TrimSpace(name) == "" {
		name = RandomName()
	}
	fn := &Function{ID: NewID("fn"), Name: name}
	if err := s.db.WithContext(ctx).Create(fn).Error; err != nil {
		return nil, fmt.Errorf("creating function: %w", err)
	}
	return fn, nil
}

// GetFunction returns the function with the given id.
func (s *Store) GetFunction(ctx context.Context, id string) (*Function, error) {
	var fn Function
	err := s.db.WithContext(ctx).First(&fn, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("function %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &fn, nil
}

// ListFunctions returns all functions, newest first.
func (s *Store) ListFunctions(ctx context.Context) ([]Function, error) {
	fns := []Function{}
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&fns).Error; err != nil {
		return nil, err
	}
	return fns, nil
}

// CreateDeployment stores a new deployment and makes it the function's
// live one.
func (s *Store) CreateDeployment(ctx context.Context, d *Deployment) error {
	if d.ID == "" {
		d.ID = NewID("dp")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fn Function
		err := tx.First(&fn, "id = ?", d.FunctionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("function %s: %w", d.FunctionID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := tx.Omit("Function").Create(d).Error; err != nil {
			return fmt.Errorf("creating deployment: %w", err)
		}
		return tx.Model(&fn).Update("live_deployment_id", d.ID).Error
	})
}

// LiveDeployment returns the deployment currently answering invocations
// of functionID.
func (s *Store) LiveDeployment(ctx context.Context, functionID string) (*Deployment, error) {
	fn, err := s.GetFunction(ctx, functionID)
	if err != nil {
		return nil, err
	}
	if fn.LiveDeploymentID == nil {
		return nil, fmt.Errorf("live deployment of %s: %w", functionID, ErrNotFound)
	}
	var d Deployment
	err = s.db.WithContext(ctx).First(&d, "id = ?", *fn.LiveDeploymentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("deployment %s: %w", *fn.LiveDeploymentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// NewID returns prefix-<uuidv7>. Version 7 ids sort by creation time.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + strings.ToLower(id.String())
}

var words = []string{
	"amber", "bright", "calm", "dusty", "eager", "fuzzy", "gentle", "hollow",
	"icy", "jolly", "keen", "lucky", "misty", "noble", "odd", "proud",
	"quiet", "rapid", "shy", "tidy", "urban", "vivid", "wild", "young",
	"acorn", "brook", "cedar", "delta", "ember", "fern", "grove", "harbor",
	"island", "jade", "kettle", "lagoon", "meadow", "nectar", "orchid", "pebble",
	"quartz", "river", "stone", "thistle", "umber", "valley", "willow", "zephyr",
}

// RandomName returns a name like "misty-harbor-4821".
func RandomName() string {
	i := rand.IntN(len(words))
	j := rand.IntN(len(words) - 1)
	if j >= i {
		j++
	}
	return fmt.Sprintf("%s-%s-%d", words[i], words[j], 1000+rand.IntN(9000))
}
