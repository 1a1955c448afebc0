package main

import (
	"context"
	"fmt"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/optbench/internal/config"
	"github.com/fxnlabs/optbench/internal/gpu"
	"github.com/fxnlabs/optbench/internal/harness"
	"github.com/fxnlabs/optbench/internal/logger"
	"github.com/fxnlabs/optbench/internal/metrics"
	"github.com/fxnlabs/optbench/internal/problem"
	"github.com/fxnlabs/optbench/internal/solver"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Logger.Verbosity)
}

func provideDeviceManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	manager, err := gpu.NewManager(log, gpu.Options{
		Backend:     cfg.Device.Backend,
		MemoryLimit: cfg.Device.MemoryLimit,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return manager.Cleanup()
		},
	})
	return manager, nil
}

func provideDevice(manager *gpu.Manager) gpu.Device {
	return manager.GetDevice()
}

func provideSolverContext(cfg *config.Config, dev gpu.Device, log *zap.Logger) (solver.Context, error) {
	return solver.New(cfg.Solver.Backend, dev, log)
}

func provideHarness(lc fx.Lifecycle, cfg *config.Config, ctx solver.Context, dev gpu.Device, log *zap.Logger) (*harness.Harness, error) {
	h := harness.New(ctx, dev, log, harness.WithTolerance(harness.Tolerance{
		Absolute: cfg.Tolerance.Absolute,
		Relative: cfg.Tolerance.Relative,
	}))

	for _, m := range cfg.Methods {
		if err := h.AddMethod(harness.Method{Name: m.Name, Parameters: m.Parameters}); err != nil {
			_ = h.Close()
			return nil, err
		}
	}
	// Problems are populated when the run reaches them, so a bad image file
	// only skips its own row.
	for i, pc := range cfg.Problems {
		name := pc.Name
		if name == "" {
			name = fmt.Sprintf("%s#%d", pc.Kind, i)
		}
		h.AddBuilder(name, func() (*problem.Problem, error) {
			return problem.FromConfig(dev, pc)
		})
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return h.Close()
		},
	})
	return h, nil
}

// runModule wires the harness for cfg. Stopping the app closes the harness
// before the device is released.
func runModule(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideDeviceManager,
			provideDevice,
			provideSolverContext,
			provideHarness,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
	)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run every configured method against every configured problem",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write the YAML report to this path instead of the configured one",
			},
			&cli.StringFlag{
				Name:  "metrics",
				Usage: "Write Prometheus textfile metrics to this path",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Do not print the banner",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if path := c.String("report"); path != "" {
				cfg.Report.Path = path
			}
			if path := c.String("metrics"); path != "" {
				cfg.Report.MetricsPath = path
			}
			if !c.Bool("quiet") {
				fmt.Fprintln(c.App.Writer, figure.NewFigure("optbench", "", true).String())
			}
			return run(c.Context, c, cfg)
		},
	}
}

func run(ctx context.Context, c *cli.Context, cfg *config.Config) error {
	var h *harness.Harness
	var log *zap.Logger
	app := fx.New(runModule(cfg), fx.Populate(&h, &log))
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	report, runErr := h.RunAllTests()
	if report != nil {
		if err := report.Render(c.App.Writer); err != nil {
			log.Warn("Failed to render report", zap.Error(err))
		}
		if cfg.Report.Path != "" {
			if err := report.WriteYAML(cfg.Report.Path); err != nil {
				log.Error("Failed to write report", zap.String("path", cfg.Report.Path), zap.Error(err))
			} else {
				log.Info("Report written", zap.String("path", cfg.Report.Path))
			}
		}
	}
	if cfg.Report.MetricsPath != "" {
		if err := metrics.WriteTextfile(cfg.Report.MetricsPath); err != nil {
			log.Error("Failed to write metrics", zap.String("path", cfg.Report.MetricsPath), zap.Error(err))
		}
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		log.Warn("Failed to stop cleanly", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("test run aborted: %w", runErr)
	}
	if s := report.Summary(); !s.OK() {
		return fmt.Errorf("%d of %d pairs did not pass", s.Total-s.Passed, s.Total)
	}
	return nil
}
