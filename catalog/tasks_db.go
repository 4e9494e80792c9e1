package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/RichardKnop/machinery/v2/log"

	"thunderlb/db"
	"thunderlb/workflow"
)

// statusUpdater applies column updates to one resource row, returning how
// many rows matched. It closes over the entity's store so status tasks
// stay generic across resource types.
type statusUpdater func(ctx context.Context, id string, filter db.Filter, updates map[string]interface{}) (int64, error)

func updater[T any](store db.Store[T]) statusUpdater {
	return func(ctx context.Context, id string, filter db.Filter, updates map[string]interface{}) (int64, error) {
		full := db.Filter{"id": id}
		for k, v := range filter {
			full[k] = v
		}
		return store.Update(ctx, full, updates)
	}
}

// markPending is the compare-and-set admission gate: it only succeeds when
// the resource's current provisioning status permits the operation, which
// is what keeps two flows from ever running concurrently for one resource.
type markPending struct {
	workflow.Base
	update   statusUpdater
	resource string
	id       string
	// from is the set of admissible current states, to the pending state
	// the flow runs under, done the state that means "nothing left to do"
	// for a re-driven command.
	from []string
	to   string
	done string
	// status reads the current provisioning status for diagnostics.
	status func(ctx context.Context) (string, error)
}

func (t *markPending) Execute(ctx context.Context, store *workflow.Store) error {
	// updated_at always changes so the row count reflects the filter match
	// even when the status column already holds the pending value.
	n, err := t.update(ctx, t.id, db.Filter{"provisioning_status in": t.from},
		map[string]interface{}{"provisioning_status": t.to, "updated_at": time.Now()})
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := t.status(ctx)
	if err != nil {
		return err
	}
	if t.done != "" && current == t.done {
		return ErrAlreadyDone
	}
	return ErrNotMutable{Resource: t.resource, ID: t.id}
}

// toErrorOnRevert is the guard wrapping a flow: its forward action is a
// no-op, and when any later task fails the unwind marks the resource
// ERROR, which is the durable signal of the failed operation.
type toErrorOnRevert struct {
	workflow.Base
	update statusUpdater
	id     string
}

func (t *toErrorOnRevert) Execute(ctx context.Context, store *workflow.Store) error {
	return nil
}

func (t *toErrorOnRevert) Revert(ctx context.Context, store *workflow.Store, cause error) {
	if _, err := t.update(ctx, t.id, nil, map[string]interface{}{
		"provisioning_status": db.StatusError,
	}); err != nil {
		log.ERROR.Printf("marking %s ERROR after failed flow: %s", t.id, err)
	}
}

// markActive finishes a successful create/update flow.
type markActive struct {
	workflow.Base
	update statusUpdater
	id     string
}

func (t *markActive) Execute(ctx context.Context, store *workflow.Store) error {
	_, err := t.update(ctx, t.id, nil, map[string]interface{}{
		"provisioning_status": db.StatusActive,
		"operating_status":    db.OperatingOnline,
	})
	return err
}

// markDeleted soft-deletes a load balancer; the housekeeper removes the
// row once it expires.
type markDeleted struct {
	workflow.Base
	update statusUpdater
	id     string
}

func (t *markDeleted) Execute(ctx context.Context, store *workflow.Store) error {
	_, err := t.update(ctx, t.id, nil, map[string]interface{}{
		"provisioning_status": db.StatusDeleted,
		"operating_status":    db.OperatingOffline,
	})
	return err
}

// deleteRow removes a child resource record outright. Deletion is final;
// there is no compensating action.
type deleteRow struct {
	workflow.Base
	remove func(ctx context.Context) error
}

func (t *deleteRow) Execute(ctx context.Context, store *workflow.Store) error {
	return t.remove(ctx)
}

func remover[T any](store db.Store[T], id string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := store.Delete(ctx, db.Filter{"id": id})
		return err
	}
}

// updateRow writes an update command's field delta to the resource row and
// refreshes the store's copy so the device task renders the new state.
type updateRow struct {
	workflow.Base
	update      statusUpdater
	id          string
	resourceKey string
	reload      func(ctx context.Context) (interface{}, error)
}

func (t *updateRow) Execute(ctx context.Context, store *workflow.Store) error {
	delta, err := workflow.Value[map[string]interface{}](store, KeyUpdateDelta)
	if err != nil {
		return err
	}
	if len(delta) > 0 {
		if _, err := t.update(ctx, t.id, nil, delta); err != nil {
			return err
		}
	}
	fresh, err := t.reload(ctx)
	if err != nil {
		return err
	}
	store.Put(t.resourceKey, fresh)
	return nil
}

func reloader[T any](store db.Store[T], id string) func(ctx context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		record, err := store.Get(ctx, db.Filter{"id": id})
		if err != nil {
			return nil, err
		}
		return record, nil
	}
}

func statusReader[T any](store db.Store[T], id string, read func(*T) string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		record, err := store.Get(ctx, db.Filter{"id": id})
		if errors.Is(err, db.ErrNotFound) {
			// The row is gone: a re-driven delete already finished.
			return db.StatusDeleted, nil
		}
		if err != nil {
			return "", err
		}
		return read(record), nil
	}
}
