// Command hermesd is the Hermes buffering daemon: it owns the device
// transports, buffer pool, metadata store, placement engine, page
// translator, filesystem engine, and buffer organizer for one node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/HDFGroup/hermes-sub002/internal/borg"
	"github.com/HDFGroup/hermes-sub002/internal/bufferpool"
	"github.com/HDFGroup/hermes-sub002/internal/cloud"
	"github.com/HDFGroup/hermes-sub002/internal/config"
	"github.com/HDFGroup/hermes-sub002/internal/device"
	"github.com/HDFGroup/hermes-sub002/internal/filesystem"
	"github.com/HDFGroup/hermes-sub002/internal/metadata"
	"github.com/HDFGroup/hermes-sub002/internal/pagetranslator"
	"github.com/HDFGroup/hermes-sub002/internal/placement"
	"github.com/HDFGroup/hermes-sub002/internal/rpc"
	"github.com/HDFGroup/hermes-sub002/pkg/metrics"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
	"github.com/HDFGroup/hermes-sub002/pkg/utils"
)

const defaultPIDFile = "/tmp/hermesd.pid"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		serverConfigPath := fs.String("config", "", "path to the server config YAML (defaults built in if unset)")
		clientConfigPath := fs.String("client-config", "", "path to the client config YAML (defaults built in if unset)")
		pidFile := fs.String("pid-file", defaultPIDFile, "path to write the daemon's PID")
		_ = fs.Parse(os.Args[2:])

		if err := runStart(*serverConfigPath, *clientConfigPath, *pidFile); err != nil {
			fmt.Fprintf(os.Stderr, "hermesd: %v\n", err)
			os.Exit(1)
		}
	case "stop":
		fs := flag.NewFlagSet("stop", flag.ExitOnError)
		pidFile := fs.String("pid-file", defaultPIDFile, "path to the running daemon's PID file")
		_ = fs.Parse(os.Args[2:])

		if err := runStop(*pidFile); err != nil {
			fmt.Fprintf(os.Stderr, "hermesd: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: hermesd <start|stop> [--config path] [--pid-file path]\n")
}

func runStop(pidFile string) error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil {
		return fmt.Errorf("parse pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func runStart(serverConfigPath, clientConfigPath, pidFile string) error {
	serverCfg := config.NewDefaultServerConfig()
	if serverConfigPath != "" {
		if err := serverCfg.LoadFromFile(serverConfigPath); err != nil {
			return fmt.Errorf("load server config: %w", err)
		}
	}
	if err := serverCfg.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	clientCfg := config.NewDefaultClientConfig()
	if clientConfigPath != "" {
		if err := clientCfg.LoadFromFile(clientConfigPath); err != nil {
			return fmt.Errorf("load client config: %w", err)
		}
	}
	if err := clientCfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("apply client config env overrides: %w", err)
	}
	if err := clientCfg.Validate(); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidFile)

	d, err := newDaemon(serverCfg, clientCfg)
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return d.Stop(ctx)
}

// daemon wires the full C1-C7 component graph for one node, mirroring the
// teacher's adapter.Adapter: a thin struct holding the constructed
// components plus Start/Stop lifecycle methods that log each step and
// accumulate (rather than abort on) shutdown errors.
type daemon struct {
	logger  *utils.Logger
	metrics *metrics.Collector
	caller  *rpc.LocalCaller

	devices map[int]device.Transport
	pool    *bufferpool.Pool
	meta    *metadata.Store
	dpe     *placement.Engine
	tr      *pagetranslator.Translator
	fs      *filesystem.Engine
	org     *borg.Organizer

	reorgCtx context.Context
}

func newDaemon(serverCfg *config.ServerConfig, clientCfg *config.ClientConfig) (*daemon, error) {
	resolved, err := serverCfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve device config: %w", err)
	}

	hostname, _ := os.Hostname()
	logger := utils.NewLogger(utils.INFO, os.Stderr)

	metricsCfg := &metrics.Config{
		Enabled:   serverCfg.Metrics.Enabled,
		Port:      serverCfg.Metrics.Port,
		Path:      serverCfg.Metrics.Path,
		Namespace: serverCfg.Metrics.Namespace,
	}
	collector, err := metrics.NewCollector(metricsCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize metrics collector: %w", err)
	}

	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return resolved[names[i]].ID < resolved[names[j]].ID })

	transports := make(map[int]device.Transport, len(resolved))
	devCfg := make(map[int]types.Device, len(resolved))
	var deviceList []types.Device
	pool := bufferpool.New()

	for _, name := range names {
		rd := resolved[name]
		dev := types.Device{
			ID:            rd.ID,
			Name:          rd.Name,
			Interface:     rd.Interface,
			MountPoint:    rd.MountPoint,
			Capacity:      rd.Capacity,
			BlockSize:     rd.BlockSize,
			Bandwidth:     rd.Bandwidth,
			Latency:       rd.Latency,
			IsShared:      rd.IsShared,
			BorgMinThresh: rd.BorgMinThresh,
			BorgMaxThresh: rd.BorgMaxThresh,
			SlabSizes:     rd.SlabSizes,
		}

		var transport device.Transport
		switch rd.Interface {
		case types.InterfaceCloud:
			transport, err = cloud.New(context.Background(), dev)
		default:
			transport, err = device.New(dev)
		}
		if err != nil {
			return nil, fmt.Errorf("initialize device %q: %w", name, err)
		}

		units := make([]int, len(rd.SlabUnits))
		for i, u := range rd.SlabUnits {
			units[i] = u
		}
		if err := pool.AddDevice(rd.ID, rd.Capacity, rd.SlabSizes, units); err != nil {
			return nil, fmt.Errorf("add device %q to buffer pool: %w", name, err)
		}

		transports[rd.ID] = transport
		devCfg[rd.ID] = dev
		deviceList = append(deviceList, dev)
	}

	meta := metadata.New(serverCfg.MDM.EstBlobCount, serverCfg.MDM.EstNumTraits)
	dpe := placement.New(deviceList, pool.Occupancy, collector)

	minChunk, err := utils.ParseBytes(clientCfg.FilePageSize)
	if err != nil {
		return nil, fmt.Errorf("parse client file_page_size: %w", err)
	}
	tr := pagetranslator.New(transports, pool, meta, dpe, types.PlacementPolicy(serverCfg.DPE.DefaultPlacementPolicy), serverCfg.DPE.DefaultRRSplit, minChunk, collector)

	flushPeriod, err := utils.ParseDuration(serverCfg.BufferOrganizer.FlushPeriod)
	if err != nil {
		return nil, fmt.Errorf("parse buffer_organizer.flush_period: %w", err)
	}
	reorgPeriod, err := utils.ParseDuration(serverCfg.BufferOrganizer.BlobReorgPeriod)
	if err != nil {
		return nil, fmt.Errorf("parse buffer_organizer.blob_reorg_period: %w", err)
	}
	flushMode := types.FlushingMode(clientCfg.FlushingMode)
	score := borg.ScoreParams{
		RecencyMin: serverCfg.BufferOrganizer.RecencyMin,
		RecencyMax: serverCfg.BufferOrganizer.RecencyMax,
		FreqMin:    serverCfg.BufferOrganizer.FreqMin,
		FreqMax:    serverCfg.BufferOrganizer.FreqMax,
	}
	org := borg.New(meta, pool, tr, transports, devCfg, score, flushMode, flushPeriod, reorgPeriod, collector, logger)

	predicate, err := filesystem.NewPathPredicate(clientCfg.PathInclusions, clientCfg.PathExclusions)
	if err != nil {
		return nil, fmt.Errorf("build path predicate: %w", err)
	}
	overrides, err := buildOverrides(clientCfg.FileAdapterConfigs)
	if err != nil {
		return nil, fmt.Errorf("build file adapter overrides: %w", err)
	}
	fsEngine := filesystem.New(meta, pool, tr, predicate, org, types.AdapterMode(clientCfg.BaseAdapterMode), minChunk, flushMode, overrides)

	caller := rpc.NewLocalCaller(hostname)

	return &daemon{
		logger:  logger,
		metrics: collector,
		caller:  caller,
		devices: transports,
		pool:    pool,
		meta:    meta,
		dpe:     dpe,
		tr:      tr,
		fs:      fsEngine,
		org:     org,
	}, nil
}

func buildOverrides(facs []config.FileAdapterConfig) ([]filesystem.AdapterOverride, error) {
	overrides := make([]filesystem.AdapterOverride, 0, len(facs))
	for _, fac := range facs {
		var pageSize int64
		if fac.PageSize != "" {
			ps, err := utils.ParseBytes(fac.PageSize)
			if err != nil {
				return nil, err
			}
			pageSize = ps
		}
		mode := types.AdapterMode(fac.Mode)
		overrides = append(overrides, filesystem.AdapterOverride{Path: fac.Path, PageSize: pageSize, Mode: mode})
	}
	// Longest path first so the most specific override wins, per
	// filesystem.Engine.resolve's first-match convention.
	sort.Slice(overrides, func(i, j int) bool { return len(overrides[i].Path) > len(overrides[j].Path) })
	return overrides, nil
}

// Start brings the daemon's background services up: metrics endpoint then
// buffer organizer. Mirrors the teacher's Adapter.Start numbered-step,
// log-per-step shape.
func (d *daemon) Start(ctx context.Context) error {
	d.logger.Info("starting hermesd")

	if err := d.metrics.Start(ctx); err != nil {
		return fmt.Errorf("start metrics collector: %w", err)
	}
	d.logger.Info("metrics collector started")

	d.org.Start(ctx)
	d.logger.Info("buffer organizer started")

	d.logger.Info("hermesd started successfully")
	return nil
}

// Stop tears the daemon down in reverse order, accumulating the last error
// rather than aborting partway, matching the teacher's Adapter.Stop shape.
func (d *daemon) Stop(ctx context.Context) error {
	d.logger.Info("stopping hermesd")
	var lastErr error

	d.org.Stop()
	d.logger.Info("buffer organizer stopped")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.metrics.Stop(stopCtx); err != nil {
		d.logger.Error("error stopping metrics collector: %v", err)
		lastErr = err
	}

	for id, t := range d.devices {
		if err := t.Close(); err != nil {
			d.logger.Error("error closing device %d: %v", id, err)
			lastErr = err
		}
	}

	d.logger.Info("hermesd stopped")
	return lastErr
}
