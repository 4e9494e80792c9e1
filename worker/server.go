// Package worker is the RPC-facing entry point of the controller: it
// consumes resource commands from the message queue, builds the matching
// flow through the catalog and drives it through the workflow engine.
package worker

import (
	"fmt"

	"github.com/RichardKnop/machinery/v2"
	amqpbackend "github.com/RichardKnop/machinery/v2/backends/amqp"
	eagerbackend "github.com/RichardKnop/machinery/v2/backends/eager"
	redisbackend "github.com/RichardKnop/machinery/v2/backends/redis"
	amqpbroker "github.com/RichardKnop/machinery/v2/brokers/amqp"
	eagerbroker "github.com/RichardKnop/machinery/v2/brokers/eager"
	redisbroker "github.com/RichardKnop/machinery/v2/brokers/redis"
	mconfig "github.com/RichardKnop/machinery/v2/config"
	eagerlock "github.com/RichardKnop/machinery/v2/locks/eager"
	redislock "github.com/RichardKnop/machinery/v2/locks/redis"

	"thunderlb/config"
)

// NewServer builds the machinery server for the configured broker.
func NewServer(cfg *config.Config) (*machinery.Server, error) {
	cnf := &mconfig.Config{
		DefaultQueue:    cfg.Broker.DefaultQueue,
		ResultsExpireIn: cfg.Broker.ResultsExpireIn,
	}

	switch cfg.Broker.Type {
	case "redis":
		cnf.Redis = &mconfig.RedisConfig{
			MaxIdle:                3,
			IdleTimeout:            240,
			ReadTimeout:            15,
			WriteTimeout:           15,
			ConnectTimeout:         15,
			NormalTasksPollPeriod:  1000,
			DelayedTasksPollPeriod: 500,
		}
		broker := redisbroker.NewGR(cnf, cfg.Broker.Addrs, cfg.Broker.DB)
		backend := redisbackend.NewGR(cnf, cfg.Broker.Addrs, cfg.Broker.DB)
		lock := redislock.New(cnf, cfg.Broker.Addrs, cfg.Broker.DB, 3)
		return machinery.NewServer(cnf, broker, backend, lock), nil

	case "amqp":
		cnf.Broker = cfg.Broker.AMQPURL
		cnf.ResultBackend = cfg.Broker.AMQPURL
		cnf.AMQP = &mconfig.AMQPConfig{
			Exchange:     "thunderlb_exchange",
			ExchangeType: "direct",
			BindingKey:   cfg.Broker.DefaultQueue,
		}
		broker := amqpbroker.New(cnf)
		backend := amqpbackend.New(cnf)
		return machinery.NewServer(cnf, broker, backend, eagerlock.New()), nil

	default:
		return nil, fmt.Errorf("worker: unknown broker type %q", cfg.Broker.Type)
	}
}

// NewEagerServer builds an in-process server whose broker executes tasks
// synchronously on send. Tests use it to drive the full dispatch path
// without a running redis.
func NewEagerServer(cfg *config.Config) *machinery.Server {
	cnf := &mconfig.Config{
		DefaultQueue:    cfg.Broker.DefaultQueue,
		ResultsExpireIn: cfg.Broker.ResultsExpireIn,
	}
	return machinery.NewServer(cnf, eagerbroker.New(), eagerbackend.New(), eagerlock.New())
}
