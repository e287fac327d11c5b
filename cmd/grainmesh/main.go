package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"slices"
	"syscall"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"grainmesh/internal/analysis"
	"grainmesh/internal/command"
	"grainmesh/internal/directory"
	"grainmesh/internal/dispatch"
	"grainmesh/internal/feed"
	"grainmesh/internal/grain"
	"grainmesh/internal/market"
	"grainmesh/internal/obs"
	"grainmesh/internal/ops"
	"grainmesh/internal/server"
	"grainmesh/internal/stream"
	"grainmesh/pkg/conn"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("grainmesh exited, err: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Profiling.Enabled {
		profiler, err := startProfiler(cfg.Profiling)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	if cfg.Directory.Driver == ops.DirectoryPostgres {
		pg, err := conn.Open(ctx, cfg.Directory.Postgres)
		if err != nil {
			return err
		}
		defer func() {
			_ = pg.Close()
		}()
		dir := directory.NewPostgres(pg.DB())
		if err := dir.Migrate(ctx); err != nil {
			return err
		}
		cfg.Runtime.Directory = dir
	}

	metrics, err := obs.NewMetrics(nil)
	if err != nil {
		return errors.Wrap(err, "create metrics")
	}
	in := dispatch.New(metrics, obs.NewTraceGenerator(cfg.Runtime.Node.ID))

	rt := grain.NewRuntime(cfg.Runtime)
	provider := stream.NewProvider(cfg.StreamBuffer)
	defer provider.Close()
	producer := stream.NewProducer(provider, rt)

	rest := market.NewClient(cfg.Market, nil)
	feeds := feed.NewManager(feed.NewClient(cfg.Feed, nil), cfg.FeedManager, metrics)

	rt.Register(analysis.Kind, analysis.NewFactory(analysis.Deps{
		Producer:        producer,
		Feed:            feeds,
		Market:          rest,
		Instrumentation: in,
		Metrics:         metrics,
		HistorySize:     cfg.HistorySize,
	}))
	rt.Register(command.Kind, command.NewFactory(command.Deps{Producer: producer, Market: rest}))
	rt.Use(in.Interceptor(append(slices.Clone(analysis.InstrumentedMethods), command.InstrumentedMethods...)...))

	srv, err := server.New(cfg.Server, server.Deps{
		Producer:        producer,
		Runtime:         rt,
		Feed:            feeds,
		Metrics:         metrics,
		Instrumentation: in,
	})
	if err != nil {
		return err
	}

	logs.Infof("grainmesh starting, node: %s, listen: %s, directory: %s", cfg.Runtime.Node.ID, cfg.Server.Listen, cfg.Directory.Driver)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return rt.Run(egCtx)
	})
	eg.Go(func() error {
		return feeds.Run(egCtx)
	})
	eg.Go(func() error {
		return srv.Run(egCtx)
	})

	err = eg.Wait()
	logs.Info("grainmesh stopped")
	return err
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		logs.Warn("no config file given, using single-node defaults")
		return ops.Parse(nil)
	}
	return ops.Load(path)
}

func startProfiler(cfg ops.ProfilingConfig) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.AppName,
		ServerAddress:   cfg.Server,
		Tags:            cfg.Tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start profiler").With("server", cfg.Server)
	}
	return profiler, nil
}
