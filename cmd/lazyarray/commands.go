package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/qri-io/lazyarray"
	"github.com/qri-io/lazyarray/config"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/ndarray"
	"github.com/qri-io/lazyarray/zarr"
)

var (
	configPath string

	// set up by the root command before any subcommand runs
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	exec     *graph.Executor

	rootCmd = &cobra.Command{
		Use:           "lazyarray",
		Short:         "Chunk-parallel evaluation of labeled arrays stored as zarr",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
			level, _ := cfg.LogLevel()
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			registry = prometheus.NewRegistry()
			exec = cfg.Executor(logger, graph.NewMetrics(registry))
			return nil
		},
	}

	infoCmd = &cobra.Command{
		Use:   "info [group]",
		Short: "Summarize a stored dataset and its arrays without reading chunks",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	demoCmd = &cobra.Command{
		Use:   "demo [group]",
		Short: "Compute temperature anomalies block by block and store them",
		Args:  cobra.ExactArgs(1),
		RunE:  runDemo,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(d)
			return err
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(configCmd)
}

func openStore(ctx context.Context) (zarr.Store, func(), error) {
	s, closeStore, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}, nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	s, done, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	ds, err := zarr.OpenDataset(s, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ds.Repr(cfg.FormatOptions()))
	for _, name := range ds.Vars() {
		a, err := zarr.Open(s, args[0]+"/"+name, zarr.ModeRead)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, a.Info())
	}
	return nil
}

// demoDataset holds hourly temperatures at a handful of stations
func demoDataset(chunkSize int) (*lazyarray.Dataset, error) {
	const hours, stations = 48, 6
	vals := make([]float64, hours*stations)
	for h := 0; h < hours; h++ {
		for s := 0; s < stations; s++ {
			vals[h*stations+s] = 280 + 2*float64(s) + 8*math.Sin(2*math.Pi*float64(h)/24)
		}
	}
	data, err := ndarray.FromSlice(vals, hours, stations)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, stations)
	for i := range ids {
		ids[i] = int64(1001 + i)
	}
	coords := lazyarray.Coords{
		"time":    ndarray.Arange(ndarray.Int64, hours),
		"station": ndarray.MustFromSlice(ids, stations),
	}
	temp, err := lazyarray.NewDataArray("temp", data, []string{"time", "station"}, coords, lazyarray.Attrs{"units": "K"})
	if err != nil {
		return nil, err
	}
	ds, err := lazyarray.NewDataset([]*lazyarray.DataArray{temp}, lazyarray.Attrs{"source": "lazyarray demo"}, lazyarray.JoinExact)
	if err != nil {
		return nil, err
	}
	return ds.Chunk(map[string]int{"time": chunkSize, "station": chunkSize})
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ds, err := demoDataset(cfg.Chunks.Default)
	if err != nil {
		return err
	}
	temp, _ := ds.Var("temp")
	clim, err := temp.Mean("time")
	if err != nil {
		return err
	}
	anomaly, err := lazyarray.Sub(temp, clim)
	if err != nil {
		return err
	}
	anomaly = anomaly.Rename("anomaly").WithAttrs(lazyarray.Attrs{"units": "K", "baseline": "mean over time"})
	out, err := lazyarray.NewDataset([]*lazyarray.DataArray{anomaly, temp}, ds.Attrs(), lazyarray.JoinExact)
	if err != nil {
		return err
	}

	s, done, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer done()
	logger.Info("writing dataset", "group", args[0], "store", s.Type(), "chunks", temp.Chunks().String())
	if err := zarr.WriteDataset(ctx, s, args[0], out, zarr.WriteOptions{Compressor: cfg.Compressor(), Executor: exec}); err != nil {
		return err
	}
	logger.Info("dataset written", "group", args[0], "tasks", counterTotal(registry, "lazyarray_tasks_total"))

	back, err := zarr.OpenDataset(s, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), back.Repr(cfg.FormatOptions()))
	return nil
}

// counterTotal sums every series of the named counter
func counterTotal(reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
