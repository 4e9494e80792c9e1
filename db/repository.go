package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned by Get when no row matches the filter.
var ErrNotFound = errors.New("db: record not found")

// Filter selects rows by column. A plain key means equality; a key may
// carry an operator suffix separated by a space: "<", ">", "!=" or "in"
// (value must be a slice). Examples:
//
//	Filter{"id": id}
//	Filter{"status": "ACTIVE", "role in": []string{"MASTER", "BACKUP"}}
//	Filter{"last_udp_update <": cutoff}
type Filter map[string]interface{}

// split returns the column and operator of a filter key.
func (f Filter) split(key string) (column, op string) {
	if i := strings.IndexByte(key, ' '); i >= 0 {
		return key[:i], strings.TrimSpace(key[i+1:])
	}
	return key, "="
}

// Store is the persistence boundary for a single entity type. The core
// never issues raw queries; these five primitives (plus List, the
// multi-row form of Get) are the whole surface.
type Store[T any] interface {
	Create(ctx context.Context, record *T) error
	// Get returns one matching row or ErrNotFound.
	Get(ctx context.Context, filter Filter) (*T, error)
	// List returns all matching rows.
	List(ctx context.Context, filter Filter) ([]T, error)
	// Update applies the column updates to all matching rows and returns
	// how many rows were affected. A compare-and-set is an Update whose
	// filter includes the expected current values.
	Update(ctx context.Context, filter Filter, updates map[string]interface{}) (int64, error)
	// Delete removes matching rows and returns how many were removed.
	Delete(ctx context.Context, filter Filter) (int64, error)
	Count(ctx context.Context, filter Filter) (int64, error)
}

// Repositories aggregates the per-entity stores. Components receive the
// aggregate and use only the entities they own.
type Repositories struct {
	LoadBalancers  Store[LoadBalancer]
	Listeners      Store[Listener]
	Pools          Store[Pool]
	Members        Store[Member]
	HealthMonitors Store[HealthMonitor]
	L7Policies     Store[L7Policy]
	L7Rules        Store[L7Rule]
	VThunders      Store[VThunder]
	VRIDs          Store[VRID]
}

// NewRepositories returns gorm-backed repositories.
func NewRepositories(g *gorm.DB) *Repositories {
	return &Repositories{
		LoadBalancers:  &gormStore[LoadBalancer]{db: g},
		Listeners:      &gormStore[Listener]{db: g},
		Pools:          &gormStore[Pool]{db: g},
		Members:        &gormStore[Member]{db: g},
		HealthMonitors: &gormStore[HealthMonitor]{db: g},
		L7Policies:     &gormStore[L7Policy]{db: g},
		L7Rules:        &gormStore[L7Rule]{db: g},
		VThunders:      &gormStore[VThunder]{db: g},
		VRIDs:          &gormStore[VRID]{db: g},
	}
}

// Migrate creates/updates the schema for every model.
func Migrate(g *gorm.DB) error {
	return g.AutoMigrate(
		&LoadBalancer{}, &Listener{}, &Pool{}, &Member{},
		&HealthMonitor{}, &L7Policy{}, &L7Rule{},
		&VThunder{}, &VRID{},
	)
}

type gormStore[T any] struct {
	db *gorm.DB
}

func (s *gormStore[T]) apply(ctx context.Context, filter Filter) *gorm.DB {
	var model T
	tx := s.db.WithContext(ctx).Model(&model)
	for key, value := range filter {
		column, op := filter.split(key)
		switch op {
		case "=":
			tx = tx.Where(fmt.Sprintf("%s = ?", column), value)
		case "in":
			tx = tx.Where(fmt.Sprintf("%s IN ?", column), value)
		default:
			tx = tx.Where(fmt.Sprintf("%s %s ?", column, op), value)
		}
	}
	return tx
}

func (s *gormStore[T]) Create(ctx context.Context, record *T) error {
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *gormStore[T]) Get(ctx context.Context, filter Filter) (*T, error) {
	var record T
	err := s.apply(ctx, filter).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *gormStore[T]) List(ctx context.Context, filter Filter) ([]T, error) {
	var records []T
	if err := s.apply(ctx, filter).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (s *gormStore[T]) Update(ctx context.Context, filter Filter, updates map[string]interface{}) (int64, error) {
	tx := s.apply(ctx, filter).Updates(updates)
	return tx.RowsAffected, tx.Error
}

func (s *gormStore[T]) Delete(ctx context.Context, filter Filter) (int64, error) {
	var model T
	tx := s.apply(ctx, filter).Delete(&model)
	return tx.RowsAffected, tx.Error
}

func (s *gormStore[T]) Count(ctx context.Context, filter Filter) (int64, error) {
	var n int64
	err := s.apply(ctx, filter).Count(&n).Error
	return n, err
}
