// Command thunderlb is the controller entrypoint. One binary carries the
// four processes as subcommands: the REST api, the queue worker, the
// health manager and the housekeeper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RichardKnop/machinery/v2/log"
	jaeger "github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"github.com/urfave/cli"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"thunderlb/api"
	"thunderlb/axapi"
	"thunderlb/catalog"
	"thunderlb/compute"
	"thunderlb/config"
	"thunderlb/db"
	"thunderlb/health"
	"thunderlb/housekeeping"
	"thunderlb/network"
	"thunderlb/worker"
)

func main() {
	app := cli.NewApp()
	app.Name = "thunderlb"
	app.Usage = "load balancer lifecycle controller"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "tenants, t",
			Usage: "path to the per-tenant settings file (JSON)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "migrate",
			Usage:  "create or update the database schema",
			Action: runMigrate,
		},
		{
			Name:   "api",
			Usage:  "serve the REST api",
			Action: runAPI,
		},
		{
			Name:   "worker",
			Usage:  "consume resource commands from the queue",
			Action: runWorker,
		},
		{
			Name:   "healthmanager",
			Usage:  "receive device heartbeats and dispatch failovers",
			Action: runHealthManager,
		},
		{
			Name:   "housekeeper",
			Usage:  "maintain the spare pool and expire finished records",
			Action: runHousekeeper,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.FATAL.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.FromEnvironment()
	if err != nil {
		return nil, err
	}
	if path := c.GlobalString("tenants"); path != "" {
		if err := config.LoadTenants(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	g, err := gorm.Open(mysql.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return g, nil
}

// setupTracer installs the global jaeger tracer; the returned cleanup
// flushes it on shutdown.
func setupTracer(serviceName string) (func(), error) {
	tracerCfg := jaegercfg.Configuration{
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
	}
	closer, err := tracerCfg.InitGlobalTracer(serviceName)
	if err != nil {
		return nil, err
	}
	return func() { closer.Close() }, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.INFO.Printf("shutting down")
		cancel()
	}()
	return ctx
}

func runMigrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	g, err := openDB(cfg)
	if err != nil {
		return err
	}
	return db.Migrate(g)
}

func runAPI(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cleanup, err := setupTracer("thunderlb-api")
	if err != nil {
		return err
	}
	defer cleanup()

	g, err := openDB(cfg)
	if err != nil {
		return err
	}
	server, err := worker.NewServer(cfg)
	if err != nil {
		return err
	}
	repos := db.NewRepositories(g)
	cat := newCatalog(cfg, repos)
	w, err := worker.New(cfg, cat, server)
	if err != nil {
		return err
	}
	return api.New(repos, w).Run(cfg.API.BindAddr)
}

func runWorker(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cleanup, err := setupTracer("thunderlb-worker")
	if err != nil {
		return err
	}
	defer cleanup()

	g, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(g); err != nil {
		return err
	}
	server, err := worker.NewServer(cfg)
	if err != nil {
		return err
	}
	cat := newCatalog(cfg, db.NewRepositories(g))
	w, err := worker.New(cfg, cat, server)
	if err != nil {
		return err
	}
	return w.Launch()
}

func runHealthManager(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cleanup, err := setupTracer("thunderlb-healthmanager")
	if err != nil {
		return err
	}
	defer cleanup()

	g, err := openDB(cfg)
	if err != nil {
		return err
	}
	repos := db.NewRepositories(g)
	server, err := worker.NewServer(cfg)
	if err != nil {
		return err
	}
	cat := newCatalog(cfg, repos)
	w, err := worker.New(cfg, cat, server)
	if err != nil {
		return err
	}

	ctx := signalContext()
	listener := health.NewListener(cfg.Health, repos.VThunders)
	// Failovers run in-process so the cycle stats count real outcomes,
	// not queue deliveries.
	monitor := health.NewMonitor(cfg.Health, repos.VThunders, func(ctx context.Context, dev *db.VThunder) error {
		if dev.LoadBalancerID == "" {
			return fmt.Errorf("device %s is stale but bound to no load balancer", dev.ID)
		}
		return w.Failover(ctx, dev.LoadBalancerID)
	})

	errs := make(chan error, 2)
	go func() { errs <- listener.Run(ctx) }()
	go func() { errs <- monitor.Run(ctx) }()
	return <-errs
}

func runHousekeeper(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cleanup, err := setupTracer("thunderlb-housekeeper")
	if err != nil {
		return err
	}
	defer cleanup()

	g, err := openDB(cfg)
	if err != nil {
		return err
	}
	keeper := housekeeping.New(cfg.Housekeeping, cfg.Device, db.NewRepositories(g),
		compute.NewHTTPDriver(cfg.Compute), axapi.NewHTTPClientFactory())
	return keeper.Run(signalContext())
}

func newCatalog(cfg *config.Config, repos *db.Repositories) *catalog.Catalog {
	return catalog.New(cfg, repos,
		axapi.NewHTTPClientFactory(),
		compute.NewHTTPDriver(cfg.Compute),
		network.NewHTTPDriver(cfg.Network))
}
