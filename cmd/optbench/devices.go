package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fxnlabs/optbench/internal/gpu"
	"github.com/fxnlabs/optbench/internal/logger"
	"github.com/urfave/cli/v2"
)

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "Show the compute device a run would use",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Device backend to probe (auto, cpu, cuda); defaults to the configured one",
			},
		},
		Action: func(c *cli.Context) error {
			opts := gpu.Options{Backend: gpu.BackendAuto}
			verbosity := "warn"
			if cfg, err := loadConfig(c); err == nil {
				opts.Backend = cfg.Device.Backend
				opts.MemoryLimit = cfg.Device.MemoryLimit
				verbosity = cfg.Logger.Verbosity
			}
			if b := c.String("backend"); b != "" {
				opts.Backend = b
			}

			log, err := logger.New(verbosity)
			if err != nil {
				return err
			}
			manager, err := gpu.NewManager(log, opts)
			if err != nil {
				return err
			}
			defer manager.Cleanup()

			info := manager.GetDeviceInfo()
			w := c.App.Writer
			fmt.Fprintf(w, "Backend:            %s\n", manager.GetBackendType())
			fmt.Fprintf(w, "Name:               %s\n", info.Name)
			fmt.Fprintf(w, "Kind:               %s\n", info.Kind)
			fmt.Fprintf(w, "Total memory:       %s\n", humanize.IBytes(uint64(max(info.TotalMemory, 0))))
			fmt.Fprintf(w, "Available memory:   %s\n", humanize.IBytes(uint64(max(info.AvailableMemory, 0))))
			fmt.Fprintf(w, "Compute capability: %s\n", info.ComputeCapability)
			fmt.Fprintf(w, "Driver version:     %s\n", info.DriverVersion)
			if info.CUDAVersion != "" {
				fmt.Fprintf(w, "CUDA version:       %s\n", info.CUDAVersion)
			}
			return nil
		},
	}
}
