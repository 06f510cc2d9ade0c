// Package config loads and validates Hermes's server and client
// configuration records. The core never parses YAML or reads the
// environment itself; it consumes the resolved structs this package
// produces.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/HDFGroup/hermes-sub002/pkg/types"
	"github.com/HDFGroup/hermes-sub002/pkg/utils"
)

// DeviceConfig is one entry of the server configuration's devices map.
type DeviceConfig struct {
	MountPoint         string    `yaml:"mount_point"`
	Interface          string    `yaml:"interface"` // ram | posix | cloud
	Capacity           string    `yaml:"capacity"`   // accepts KB|MB|GB|TB|inf
	BlockSize          string    `yaml:"block_size"`
	SlabUnits          [4]int    `yaml:"slab_units"`
	Bandwidth          float64   `yaml:"bandwidth"` // bytes/sec
	Latency            string    `yaml:"latency"`   // accepts ns|us|ms|s
	IsSharedDevice     bool      `yaml:"is_shared_device"`
	BorgCapacityThresh [2]float64 `yaml:"borg_capacity_thresh"` // [min, max]
}

// RPCConfig describes how nodes find and dial each other.
type RPCConfig struct {
	HostFile   string   `yaml:"host_file"`
	HostNames  []string `yaml:"host_names"` // may contain bracket-expansion patterns
	Protocol   string   `yaml:"protocol"`
	Domain     string   `yaml:"domain"`
	Port       int      `yaml:"port"`
	NumThreads int      `yaml:"num_threads"`
}

// BorgConfig configures the Buffer Organizer's periodic triggers and score
// thresholds.
type BorgConfig struct {
	NumThreads      int     `yaml:"num_threads"`
	FlushPeriod     string  `yaml:"flush_period"`
	BlobReorgPeriod string  `yaml:"blob_reorg_period"`
	RecencyMin      float64 `yaml:"recency_min"`
	RecencyMax      float64 `yaml:"recency_max"`
	FreqMax         float64 `yaml:"freq_max"`
	FreqMin         float64 `yaml:"freq_min"`
}

// DPEConfig configures the Data Placement Engine's default policy.
type DPEConfig struct {
	DefaultPlacementPolicy string `yaml:"default_placement_policy"`
	DefaultRRSplit         bool   `yaml:"default_rr_split"`
}

// MDMConfig sizes the Metadata Store's initial map capacity hints.
type MDMConfig struct {
	EstBlobCount int `yaml:"est_blob_count"`
	EstNumTraits int `yaml:"est_num_traits"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// ServerConfig is the daemon's full configuration record.
type ServerConfig struct {
	Devices         map[string]DeviceConfig `yaml:"devices"`
	RPC             RPCConfig               `yaml:"rpc"`
	BufferOrganizer BorgConfig              `yaml:"buffer_organizer"`
	DPE             DPEConfig               `yaml:"dpe"`
	MDM             MDMConfig               `yaml:"mdm"`
	Metrics         MetricsConfig           `yaml:"metrics"`
}

// FileAdapterConfig overrides page size and mode for one path.
type FileAdapterConfig struct {
	Path     string `yaml:"path"`
	PageSize string `yaml:"page_size"`
	Mode     string `yaml:"mode"`
}

// ClientConfig is the per-process adapter configuration.
type ClientConfig struct {
	StopDaemon         bool                `yaml:"stop_daemon"`
	PathInclusions     []string            `yaml:"path_inclusions"`
	PathExclusions     []string            `yaml:"path_exclusions"`
	FilePageSize       string              `yaml:"file_page_size"`
	BaseAdapterMode    string              `yaml:"base_adapter_mode"`
	FlushingMode       string              `yaml:"flushing_mode"`
	FileAdapterConfigs []FileAdapterConfig `yaml:"file_adapter_configs"`
}

// NewDefaultServerConfig returns a minimal single-tier (RAM) default,
// mirroring the teacher's NewDefault() pattern of filling every field
// rather than leaving zero values for callers to puzzle over.
func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Devices: map[string]DeviceConfig{
			"ram": {
				MountPoint:         "",
				Interface:          "ram",
				Capacity:           "1GB",
				BlockSize:          "4KB",
				SlabUnits:          [4]int{256, 64, 16, 4},
				Bandwidth:          10e9,
				Latency:            "100ns",
				IsSharedDevice:     false,
				BorgCapacityThresh: [2]float64{0.0, 0.8},
			},
		},
		RPC: RPCConfig{
			Protocol:   "tcp",
			Domain:     "",
			Port:       8080,
			NumThreads: 4,
		},
		BufferOrganizer: BorgConfig{
			NumThreads:      2,
			FlushPeriod:     "30s",
			BlobReorgPeriod: "10s",
			RecencyMin:      1,
			RecencyMax:      300,
			FreqMin:         1,
			FreqMax:         100,
		},
		DPE: DPEConfig{
			DefaultPlacementPolicy: string(types.PolicyMinimizeIOTime),
			DefaultRRSplit:         false,
		},
		MDM: MDMConfig{
			EstBlobCount: 1024,
			EstNumTraits: 16,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9180,
			Path:      "/metrics",
			Namespace: "hermes",
		},
	}
}

// NewDefaultClientConfig returns the teacher-style filled-in default.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		StopDaemon:      false,
		PathInclusions:  []string{},
		PathExclusions:  []string{},
		FilePageSize:    "1MB",
		BaseAdapterMode: string(types.ModeDefault),
		FlushingMode:    string(types.FlushAsync),
	}
}

// LoadFromFile loads a ServerConfig from a YAML file.
func (c *ServerConfig) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile writes a ServerConfig back out as YAML.
func (c *ServerConfig) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks internal consistency before anything is constructed from
// the config. Failures here are ConfigInvalid and fatal at init.
func (c *ServerConfig) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
	}
	for name, dc := range c.Devices {
		switch dc.Interface {
		case "ram", "posix", "cloud":
		default:
			return fmt.Errorf("device %q: invalid interface %q (must be ram, posix, or cloud)", name, dc.Interface)
		}
		if _, err := utils.ParseCapacity(dc.Capacity); err != nil {
			return fmt.Errorf("device %q: invalid capacity: %w", name, err)
		}
		if _, err := utils.ParseBytes(dc.BlockSize); err != nil {
			return fmt.Errorf("device %q: invalid block_size: %w", name, err)
		}
		if _, err := utils.ParseDuration(dc.Latency); err != nil {
			return fmt.Errorf("device %q: invalid latency: %w", name, err)
		}
		if dc.BorgCapacityThresh[0] < 0 || dc.BorgCapacityThresh[1] > 1 || dc.BorgCapacityThresh[0] > dc.BorgCapacityThresh[1] {
			return fmt.Errorf("device %q: borg_capacity_thresh must satisfy 0 <= min <= max <= 1", name)
		}
	}

	switch c.DPE.DefaultPlacementPolicy {
	case string(types.PolicyRandom), string(types.PolicyRoundRobin), string(types.PolicyMinimizeIOTime):
	default:
		return fmt.Errorf("invalid dpe.default_placement_policy: %s", c.DPE.DefaultPlacementPolicy)
	}

	if c.BufferOrganizer.RecencyMax <= c.BufferOrganizer.RecencyMin {
		return fmt.Errorf("buffer_organizer.recency_max must be greater than recency_min")
	}
	if c.BufferOrganizer.FreqMax <= c.BufferOrganizer.FreqMin {
		return fmt.Errorf("buffer_organizer.freq_max must be greater than freq_min")
	}
	if _, err := utils.ParseDuration(c.BufferOrganizer.FlushPeriod); err != nil {
		return fmt.Errorf("invalid buffer_organizer.flush_period: %w", err)
	}
	if _, err := utils.ParseDuration(c.BufferOrganizer.BlobReorgPeriod); err != nil {
		return fmt.Errorf("invalid buffer_organizer.blob_reorg_period: %w", err)
	}

	return nil
}

// ResolvedDevice is a DeviceConfig with all size/duration suffixes parsed,
// ready to hand to the device client and buffer pool.
type ResolvedDevice struct {
	ID            int
	Name          string
	MountPoint    string
	Interface     types.InterfaceKind
	Capacity      int64
	BlockSize     int64
	SlabSizes     []int64
	SlabUnits     [4]int
	Bandwidth     float64
	Latency       time.Duration
	IsShared      bool
	BorgMinThresh float64
	BorgMaxThresh float64
}

// slabLadder is the fixed multiplier series applied to BlockSize to produce
// the four slab size classes; slab_units in configuration gives the buffer
// count per class, not the class sizes themselves.
var slabLadder = [4]int64{1, 4, 16, 64}

// Resolve parses every device's size/duration strings once at startup.
// Device IDs are assigned in sorted-name order so a given config always
// resolves to the same IDs regardless of map iteration order.
func (c *ServerConfig) Resolve() (map[string]ResolvedDevice, error) {
	names := make([]string, 0, len(c.Devices))
	for name := range c.Devices {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]ResolvedDevice, len(c.Devices))
	for id, name := range names {
		dc := c.Devices[name]
		capacity, err := utils.ParseCapacity(dc.Capacity)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", name, err)
		}
		blockSize, err := utils.ParseBytes(dc.BlockSize)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", name, err)
		}
		latency, err := utils.ParseDuration(dc.Latency)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", name, err)
		}
		slabs := make([]int64, 4)
		for i, mult := range slabLadder {
			slabs[i] = blockSize * mult
		}
		out[name] = ResolvedDevice{
			ID:            id,
			Name:          name,
			MountPoint:    dc.MountPoint,
			Interface:     types.InterfaceKind(dc.Interface),
			Capacity:      capacity,
			BlockSize:     blockSize,
			SlabSizes:     slabs,
			SlabUnits:     dc.SlabUnits,
			Bandwidth:     dc.Bandwidth,
			Latency:       latency,
			IsShared:      dc.IsSharedDevice,
			BorgMinThresh: dc.BorgCapacityThresh[0],
			BorgMaxThresh: dc.BorgCapacityThresh[1],
		}
	}
	return out, nil
}

// ResolvedHostNames expands c.RPC.HostNames's bracket patterns into the full
// host list, falling back to HostFile's lines when HostNames is empty.
func (c *ServerConfig) ResolvedHostNames() ([]string, error) {
	if len(c.RPC.HostNames) > 0 {
		var all []string
		for _, pattern := range c.RPC.HostNames {
			expanded, err := ExpandHostNames(pattern)
			if err != nil {
				return nil, err
			}
			all = append(all, expanded...)
		}
		return all, nil
	}
	if c.RPC.HostFile != "" {
		data, err := os.ReadFile(c.RPC.HostFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read host_file: %w", err)
		}
		var hosts []string
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				hosts = append(hosts, line)
			}
		}
		return hosts, nil
	}
	return []string{"localhost"}, nil
}

// ExpandHostNames expands a pattern like "host[00-09,12]-net" into its
// member hostnames. A pattern without brackets is returned as a
// single-element slice.
func ExpandHostNames(pattern string) ([]string, error) {
	open := strings.IndexByte(pattern, '[')
	if open < 0 {
		return []string{pattern}, nil
	}
	closeIdx := strings.IndexByte(pattern, ']')
	if closeIdx < 0 || closeIdx < open {
		return nil, fmt.Errorf("unbalanced brackets in host pattern %q", pattern)
	}
	prefix := pattern[:open]
	suffix := pattern[closeIdx+1:]
	body := pattern[open+1 : closeIdx]

	var out []string
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if dash := strings.IndexByte(part, '-'); dash > 0 {
			loStr, hiStr := part[:dash], part[dash+1:]
			lo, err := strconv.Atoi(loStr)
			if err != nil {
				return nil, fmt.Errorf("invalid range start %q in %q", loStr, pattern)
			}
			hi, err := strconv.Atoi(hiStr)
			if err != nil {
				return nil, fmt.Errorf("invalid range end %q in %q", hiStr, pattern)
			}
			width := len(loStr)
			for n := lo; n <= hi; n++ {
				out = append(out, fmt.Sprintf("%s%0*d%s", prefix, width, n, suffix))
			}
		} else {
			out = append(out, prefix+part+suffix)
		}
	}
	return out, nil
}

// LoadFromFile loads a ClientConfig from YAML.
func (c *ClientConfig) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies HERMES_* environment overrides on top of whatever was
// loaded from file, mirroring the teacher's OBJECTFS_* override layering.
func (c *ClientConfig) LoadFromEnv() error {
	if val := os.Getenv("HERMES_STOP_DAEMON"); val != "" {
		c.StopDaemon = strings.EqualFold(val, "true")
	}
	if val := os.Getenv("HERMES_ADAPTER_MODE"); val != "" {
		c.BaseAdapterMode = val
	}
	if val := os.Getenv("HERMES_PAGE_SIZE"); val != "" {
		c.FilePageSize = val
	}
	if val := os.Getenv("HERMES_FLUSH_MODE"); val != "" {
		c.FlushingMode = val
	}
	return nil
}

// HermesConfPath resolves the config file path from HERMES_CONF, falling
// back to the provided default when unset.
func HermesConfPath(defaultPath string) string {
	if val := os.Getenv("HERMES_CONF"); val != "" {
		return val
	}
	return defaultPath
}

// Validate checks the client configuration for internal consistency.
func (c *ClientConfig) Validate() error {
	switch c.BaseAdapterMode {
	case string(types.ModeDefault), string(types.ModeBypass), string(types.ModeScratch), string(types.ModeWorkflow):
	default:
		return fmt.Errorf("invalid base_adapter_mode: %s", c.BaseAdapterMode)
	}
	switch c.FlushingMode {
	case string(types.FlushSync), string(types.FlushAsync):
	default:
		return fmt.Errorf("invalid flushing_mode: %s", c.FlushingMode)
	}
	if _, err := utils.ParseBytes(c.FilePageSize); err != nil {
		return fmt.Errorf("invalid file_page_size: %w", err)
	}
	for _, fac := range c.FileAdapterConfigs {
		if fac.PageSize != "" {
			if _, err := utils.ParseBytes(fac.PageSize); err != nil {
				return fmt.Errorf("file_adapter_configs[%s]: invalid page_size: %w", fac.Path, err)
			}
		}
		if fac.Mode != "" {
			switch fac.Mode {
			case string(types.ModeDefault), string(types.ModeBypass), string(types.ModeScratch), string(types.ModeWorkflow):
			default:
				return fmt.Errorf("file_adapter_configs[%s]: invalid mode: %s", fac.Path, fac.Mode)
			}
		}
	}
	return nil
}
