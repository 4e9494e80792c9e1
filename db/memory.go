package db

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// NewMemoryRepositories returns repositories backed by in-process maps.
// They honor the same Filter semantics as the gorm stores and are used by
// tests and by components exercised without a database.
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		LoadBalancers:  newMemoryStore[LoadBalancer](),
		Listeners:      newMemoryStore[Listener](),
		Pools:          newMemoryStore[Pool](),
		Members:        newMemoryStore[Member](),
		HealthMonitors: newMemoryStore[HealthMonitor](),
		L7Policies:     newMemoryStore[L7Policy](),
		L7Rules:        newMemoryStore[L7Rule](),
		VThunders:      newMemoryStore[VThunder](),
		VRIDs:          newMemoryStore[VRID](),
	}
}

type memoryStore[T any] struct {
	mu      sync.Mutex
	records []T
	columns map[string]int
}

func newMemoryStore[T any]() *memoryStore[T] {
	var model T
	return &memoryStore[T]{columns: columnIndex(reflect.TypeOf(model))}
}

// columnIndex maps gorm column names to struct field indices.
func columnIndex(t reflect.Type) map[string]int {
	columns := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := ""
		for _, part := range strings.Split(field.Tag.Get("gorm"), ";") {
			if strings.HasPrefix(part, "column:") {
				name = strings.TrimPrefix(part, "column:")
			}
		}
		if name == "" {
			name = strings.ToLower(field.Name)
		}
		columns[name] = i
	}
	return columns
}

func (s *memoryStore[T]) field(record *T, column string) (reflect.Value, error) {
	idx, ok := s.columns[column]
	if !ok {
		return reflect.Value{}, fmt.Errorf("db: unknown column %q", column)
	}
	return reflect.ValueOf(record).Elem().Field(idx), nil
}

func (s *memoryStore[T]) matches(record *T, filter Filter) (bool, error) {
	for key, want := range filter {
		column, op := filter.split(key)
		fv, err := s.field(record, column)
		if err != nil {
			return false, err
		}
		ok, err := compare(fv.Interface(), op, want)
		if err != nil {
			return false, fmt.Errorf("column %q: %w", column, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compare(have interface{}, op string, want interface{}) (bool, error) {
	switch op {
	case "=":
		return equal(have, want), nil
	case "!=":
		return !equal(have, want), nil
	case "in":
		wv := reflect.ValueOf(want)
		if wv.Kind() != reflect.Slice {
			return false, fmt.Errorf("db: \"in\" filter needs a slice, got %T", want)
		}
		for i := 0; i < wv.Len(); i++ {
			if equal(have, wv.Index(i).Interface()) {
				return true, nil
			}
		}
		return false, nil
	case "<", ">":
		return ordered(have, op, want)
	default:
		return false, fmt.Errorf("db: unknown filter operator %q", op)
	}
}

func equal(have, want interface{}) bool {
	if ht, ok := have.(time.Time); ok {
		if wt, ok := want.(time.Time); ok {
			return ht.Equal(wt)
		}
		return false
	}
	return reflect.DeepEqual(have, want) || fmt.Sprintf("%v", have) == fmt.Sprintf("%v", want)
}

func ordered(have interface{}, op string, want interface{}) (bool, error) {
	if ht, ok := have.(time.Time); ok {
		wt, ok := want.(time.Time)
		if !ok {
			return false, fmt.Errorf("db: comparing time column with %T", want)
		}
		if op == "<" {
			return ht.Before(wt), nil
		}
		return ht.After(wt), nil
	}
	hv, wv := reflect.ValueOf(have), reflect.ValueOf(want)
	if hv.CanInt() && wv.CanInt() {
		if op == "<" {
			return hv.Int() < wv.Int(), nil
		}
		return hv.Int() > wv.Int(), nil
	}
	return false, fmt.Errorf("db: cannot order %T against %T", have, want)
}

func (s *memoryStore[T]) touch(record *T, created bool) {
	now := time.Now()
	if created {
		if fv, err := s.field(record, "created_at"); err == nil {
			if t, ok := fv.Interface().(time.Time); ok && t.IsZero() {
				fv.Set(reflect.ValueOf(now))
			}
		}
	}
	if fv, err := s.field(record, "updated_at"); err == nil {
		if _, ok := fv.Interface().(time.Time); ok {
			fv.Set(reflect.ValueOf(now))
		}
	}
}

func (s *memoryStore[T]) Create(ctx context.Context, record *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.touch(&clone, true)
	*record = clone
	s.records = append(s.records, clone)
	return nil
}

func (s *memoryStore[T]) Get(ctx context.Context, filter Filter) (*T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		ok, err := s.matches(&s.records[i], filter)
		if err != nil {
			return nil, err
		}
		if ok {
			clone := s.records[i]
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore[T]) List(ctx context.Context, filter Filter) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for i := range s.records {
		ok, err := s.matches(&s.records[i], filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *memoryStore[T]) Update(ctx context.Context, filter Filter, updates map[string]interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	for i := range s.records {
		ok, err := s.matches(&s.records[i], filter)
		if err != nil {
			return affected, err
		}
		if !ok {
			continue
		}
		for column, value := range updates {
			fv, err := s.field(&s.records[i], column)
			if err != nil {
				return affected, err
			}
			vv := reflect.ValueOf(value)
			if !vv.Type().AssignableTo(fv.Type()) {
				if !vv.Type().ConvertibleTo(fv.Type()) {
					return affected, fmt.Errorf("db: cannot assign %T to column %q", value, column)
				}
				vv = vv.Convert(fv.Type())
			}
			fv.Set(vv)
		}
		s.touch(&s.records[i], false)
		affected++
	}
	return affected, nil
}

func (s *memoryStore[T]) Delete(ctx context.Context, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []T
	var removed int64
	for i := range s.records {
		ok, err := s.matches(&s.records[i], filter)
		if err != nil {
			return 0, err
		}
		if ok {
			removed++
			continue
		}
		kept = append(kept, s.records[i])
	}
	s.records = kept
	return removed, nil
}

func (s *memoryStore[T]) Count(ctx context.Context, filter Filter) (int64, error) {
	records, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}
