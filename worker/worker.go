package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/RichardKnop/machinery/v2"
	"github.com/RichardKnop/machinery/v2/log"
	"github.com/RichardKnop/machinery/v2/tasks"
	"github.com/opentracing/opentracing-go"

	"thunderlb/catalog"
	"thunderlb/config"
	"thunderlb/db"
	"thunderlb/workflow"
)

// Command names as they appear on the queue.
const (
	CmdLoadBalancerCreate  = "loadbalancer.create"
	CmdLoadBalancerUpdate  = "loadbalancer.update"
	CmdLoadBalancerDelete  = "loadbalancer.delete"
	CmdListenerCreate      = "listener.create"
	CmdListenerUpdate      = "listener.update"
	CmdListenerDelete      = "listener.delete"
	CmdPoolCreate          = "pool.create"
	CmdPoolUpdate          = "pool.update"
	CmdPoolDelete          = "pool.delete"
	CmdMemberCreate        = "member.create"
	CmdMemberUpdate        = "member.update"
	CmdMemberDelete        = "member.delete"
	CmdHealthMonitorCreate = "healthmonitor.create"
	CmdHealthMonitorUpdate = "healthmonitor.update"
	CmdHealthMonitorDelete = "healthmonitor.delete"
	CmdL7PolicyCreate      = "l7policy.create"
	CmdL7PolicyUpdate      = "l7policy.update"
	CmdL7PolicyDelete      = "l7policy.delete"
	CmdL7RuleCreate        = "l7rule.create"
	CmdL7RuleUpdate        = "l7rule.update"
	CmdL7RuleDelete        = "l7rule.delete"
	CmdVThunderFailover    = "vthunder.failover"
)

// notFoundRetryIn is how long a command waits for its resource row to
// become visible before the broker redelivers it. The API commits the row
// before sending the command, but a read replica may lag.
const notFoundRetryIn = 5 * time.Second

// Worker dispatches queue commands into catalog flows.
type Worker struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	server  *machinery.Server
	engine  *workflow.Engine
}

// New registers every command handler on the server and returns the
// worker.
func New(cfg *config.Config, cat *catalog.Catalog, server *machinery.Server) (*Worker, error) {
	w := &Worker{
		cfg:     cfg,
		catalog: cat,
		server:  server,
		engine:  workflow.NewEngine(),
	}
	if err := w.register(); err != nil {
		return nil, err
	}
	return w, nil
}

// Launch starts consuming; it blocks until the worker is stopped.
func (w *Worker) Launch() error {
	worker := w.server.NewWorker(w.cfg.Worker.ConsumerTag, w.cfg.Worker.Concurrency)
	return worker.Launch()
}

// Send enqueues a command carrying the resource id.
func (w *Worker) Send(name, id string) error {
	span, ctx := opentracing.StartSpanFromContext(context.Background(), "send "+name)
	defer span.Finish()
	span.SetTag("resource.id", id)
	_, err := w.server.SendTaskWithContext(ctx, &tasks.Signature{
		Name: name,
		Args: []tasks.Arg{{Type: "string", Value: id}},
	})
	return err
}

// SendDelta enqueues an update command with its field delta.
func (w *Worker) SendDelta(name, id string, delta map[string]interface{}) error {
	encoded, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	span, ctx := opentracing.StartSpanFromContext(context.Background(), "send "+name)
	defer span.Finish()
	span.SetTag("resource.id", id)
	_, err = w.server.SendTaskWithContext(ctx, &tasks.Signature{
		Name: name,
		Args: []tasks.Arg{
			{Type: "string", Value: id},
			{Type: "string", Value: string(encoded)},
		},
	})
	return err
}

func (w *Worker) register() error {
	return w.server.RegisterTasks(map[string]interface{}{
		CmdLoadBalancerCreate:  w.command(CmdLoadBalancerCreate, w.catalog.LoadBalancerCreate),
		CmdLoadBalancerUpdate:  w.deltaCommand(CmdLoadBalancerUpdate, w.catalog.LoadBalancerUpdate),
		CmdLoadBalancerDelete:  w.command(CmdLoadBalancerDelete, w.catalog.LoadBalancerDelete),
		CmdListenerCreate:      w.command(CmdListenerCreate, w.catalog.ListenerCreate),
		CmdListenerUpdate:      w.deltaCommand(CmdListenerUpdate, w.catalog.ListenerUpdate),
		CmdListenerDelete:      w.command(CmdListenerDelete, w.catalog.ListenerDelete),
		CmdPoolCreate:          w.command(CmdPoolCreate, w.catalog.PoolCreate),
		CmdPoolUpdate:          w.deltaCommand(CmdPoolUpdate, w.catalog.PoolUpdate),
		CmdPoolDelete:          w.command(CmdPoolDelete, w.catalog.PoolDelete),
		CmdMemberCreate:        w.command(CmdMemberCreate, w.catalog.MemberCreate),
		CmdMemberUpdate:        w.deltaCommand(CmdMemberUpdate, w.catalog.MemberUpdate),
		CmdMemberDelete:        w.command(CmdMemberDelete, w.catalog.MemberDelete),
		CmdHealthMonitorCreate: w.command(CmdHealthMonitorCreate, w.catalog.HealthMonitorCreate),
		CmdHealthMonitorUpdate: w.deltaCommand(CmdHealthMonitorUpdate, w.catalog.HealthMonitorUpdate),
		CmdHealthMonitorDelete: w.command(CmdHealthMonitorDelete, w.catalog.HealthMonitorDelete),
		CmdL7PolicyCreate:      w.command(CmdL7PolicyCreate, w.catalog.L7PolicyCreate),
		CmdL7PolicyUpdate:      w.deltaCommand(CmdL7PolicyUpdate, w.catalog.L7PolicyUpdate),
		CmdL7PolicyDelete:      w.command(CmdL7PolicyDelete, w.catalog.L7PolicyDelete),
		CmdL7RuleCreate:        w.command(CmdL7RuleCreate, w.catalog.L7RuleCreate),
		CmdL7RuleUpdate:        w.deltaCommand(CmdL7RuleUpdate, w.catalog.L7RuleUpdate),
		CmdL7RuleDelete:        w.command(CmdL7RuleDelete, w.catalog.L7RuleDelete),
		CmdVThunderFailover:    w.command(CmdVThunderFailover, w.catalog.LoadBalancerFailover),
	})
}

type builder func(ctx context.Context, id string) (*catalog.Prepared, error)

func (w *Worker) command(op string, build builder) func(string) error {
	return func(id string) error {
		return w.dispatch(op, id, build)
	}
}

func (w *Worker) deltaCommand(op string, build func(ctx context.Context, id string, delta map[string]interface{}) (*catalog.Prepared, error)) func(string, string) error {
	return func(id, encoded string) error {
		delta := map[string]interface{}{}
		if encoded != "" {
			if err := json.Unmarshal([]byte(encoded), &delta); err != nil {
				return err
			}
		}
		return w.dispatch(op, id, func(ctx context.Context, id string) (*catalog.Prepared, error) {
			return build(ctx, id, delta)
		})
	}
}

// dispatch drives one command end to end and maps the outcome. A skip is
// handled (warn and acknowledge), an unsupported operation is fatal to the
// command only, and a failure propagates so the broker records it; the
// flow's guard has already marked the resource ERROR by then.
func (w *Worker) dispatch(op, id string, build builder) error {
	result := w.execute(context.Background(), id, build)
	switch result.Status {
	case workflow.StatusSuccess:
		log.INFO.Printf("%s %s: done", op, id)
		return nil
	case workflow.StatusSkipped:
		log.WARNING.Printf("%s %s: skipped: %s", op, id, result.Reason)
		return nil
	case workflow.StatusUnsupported:
		log.WARNING.Printf("%s %s: %s", op, id, result.UserMsg)
		log.ERROR.Printf("%s %s: %s", op, id, result.OperatorMsg)
		return nil
	default:
		if errors.Is(result.Err, db.ErrNotFound) {
			return tasks.NewErrRetryTaskLater("resource "+id+" not found yet", notFoundRetryIn)
		}
		log.ERROR.Printf("%s %s: failed: %s", op, id, result.Err)
		return result.Err
	}
}

// execute builds and runs one command's flow. Builder errors fold into the
// same outcome mapping as flow errors, so a build-time skip or unsupported
// operation is acknowledged instead of redelivered forever.
func (w *Worker) execute(ctx context.Context, id string, build builder) workflow.Result {
	prepared, err := build(ctx, id)
	if err != nil {
		return outcome(err)
	}
	return outcome(w.engine.Run(ctx, prepared.Flow, prepared.Store))
}

// Failover runs a device failover for the load balancer in-process rather
// than through the queue, so the caller observes the real outcome. A skip
// and an unsupported topology are not errors; the load balancer is simply
// left for the API's own commands.
func (w *Worker) Failover(ctx context.Context, lbID string) error {
	result := w.execute(ctx, lbID, w.catalog.LoadBalancerFailover)
	switch result.Status {
	case workflow.StatusSuccess:
		log.INFO.Printf("failover of loadbalancer %s: done", lbID)
		return nil
	case workflow.StatusSkipped:
		log.WARNING.Printf("failover of loadbalancer %s: skipped: %s", lbID, result.Reason)
		return nil
	case workflow.StatusUnsupported:
		log.WARNING.Printf("failover of loadbalancer %s: %s", lbID, result.OperatorMsg)
		return nil
	default:
		return result.Err
	}
}

// outcome folds a flow error into the tagged result the dispatcher
// branches on.
func outcome(err error) workflow.Result {
	switch {
	case err == nil:
		return workflow.Succeeded()
	case errors.Is(err, catalog.ErrAlreadyDone):
		return workflow.Succeeded()
	default:
		var notMutable catalog.ErrNotMutable
		if errors.As(err, &notMutable) {
			return workflow.Skipped(notMutable.Error())
		}
		var unsupported catalog.ErrUnsupportedOperation
		if errors.As(err, &unsupported) {
			return workflow.Unsupported(unsupported.UserMsg, unsupported.OperatorMsg)
		}
		return workflow.Failed(err)
	}
}
