// Package config loads the description of the PCI devices to build.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DeviceEntropy = "entropy"

	defaultMemory   = 64 << 20
	defaultMMIOBase = 0xe000_0000
	defaultMMIOSize = 0x1000_0000
	defaultIRQBase  = 5

	maxQueueSize = 32768
	pageSize     = 0x1000
	maxDevices   = 32
)

var (
	ErrUnknownFormat = errors.New("config: unknown file format")
	ErrInvalid       = errors.New("config: invalid configuration")
)

// Config describes guest memory, the BAR window and the devices on bus 0.
type Config struct {
	// Memory is the guest memory size in bytes.
	Memory   uint64         `yaml:"memory" toml:"memory"`
	MMIO     MMIOWindow     `yaml:"mmio" toml:"mmio"`
	IRQBase  uint8          `yaml:"irq_base" toml:"irq_base"`
	LogLevel string         `yaml:"log_level" toml:"log_level"`
	Devices  []DeviceConfig `yaml:"devices" toml:"devices"`
}

// MMIOWindow is the guest physical range BARs are allocated from.
type MMIOWindow struct {
	Base uint64 `yaml:"base" toml:"base"`
	Size uint64 `yaml:"size" toml:"size"`
}

// DeviceConfig describes one virtio function.
type DeviceConfig struct {
	Type      string      `yaml:"type" toml:"type"`
	QueueSize uint16      `yaml:"queue_size" toml:"queue_size"`
	Bars      []BarConfig `yaml:"bars" toml:"bars"`
}

// BarConfig is an extra memory BAR exposed by a device.
type BarConfig struct {
	Index        int    `yaml:"index" toml:"index"`
	Size         uint64 `yaml:"size" toml:"size"`
	Is64Bit      bool   `yaml:"is_64bit" toml:"is_64bit"`
	Prefetchable bool   `yaml:"prefetchable" toml:"prefetchable"`
}

// Default returns a configuration with one entropy device.
func Default() Config {
	return Config{
		Memory:   defaultMemory,
		MMIO:     MMIOWindow{Base: defaultMMIOBase, Size: defaultMMIOSize},
		IRQBase:  defaultIRQBase,
		LogLevel: "info",
		Devices:  []DeviceConfig{{Type: DeviceEntropy}},
	}
}

// Load reads path, picking the decoder from its extension. Fields missing
// from the file keep their Default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("yaml", "yml" or "toml") and
// validates the result.
func Parse(data []byte, format string) (Config, error) {
	cfg := Default()
	// Decoders may reuse existing slice elements, so devices only default
	// when the file leaves them out.
	cfg.Devices = nil
	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: decode yaml: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config: unknown toml key %q: %w", undecoded[0].String(), ErrInvalid)
		}
	default:
		return Config{}, fmt.Errorf("%q: %w", format, ErrUnknownFormat)
	}
	if cfg.Devices == nil {
		cfg.Devices = Default().Devices
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks sizes and device descriptions.
func (c Config) Validate() error {
	if c.Memory == 0 || c.Memory%pageSize != 0 {
		return fmt.Errorf("memory %#x must be a non-zero multiple of %#x: %w", c.Memory, pageSize, ErrInvalid)
	}
	if c.MMIO.Size == 0 || c.MMIO.Base+c.MMIO.Size < c.MMIO.Base {
		return fmt.Errorf("mmio window %#x+%#x: %w", c.MMIO.Base, c.MMIO.Size, ErrInvalid)
	}
	if c.MMIO.Base < c.Memory {
		return fmt.Errorf("mmio window at %#x overlaps guest memory: %w", c.MMIO.Base, ErrInvalid)
	}
	if len(c.Devices) > maxDevices {
		return fmt.Errorf("%d devices, at most %d: %w", len(c.Devices), maxDevices, ErrInvalid)
	}
	for i, d := range c.Devices {
		if err := d.validate(); err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
	}
	return nil
}

func (d DeviceConfig) validate() error {
	if d.Type != DeviceEntropy {
		return fmt.Errorf("unknown type %q: %w", d.Type, ErrInvalid)
	}
	if d.QueueSize != 0 && (d.QueueSize > maxQueueSize || d.QueueSize&(d.QueueSize-1) != 0) {
		return fmt.Errorf("queue size %d: %w", d.QueueSize, ErrInvalid)
	}
	used := make(map[int]bool)
	for _, b := range d.Bars {
		// BAR 0 and 1 hold the 64-bit virtio capability BAR.
		if b.Index < 2 || b.Index > 5 || (b.Is64Bit && b.Index == 5) {
			return fmt.Errorf("bar index %d: %w", b.Index, ErrInvalid)
		}
		if b.Size < 16 || b.Size&(b.Size-1) != 0 {
			return fmt.Errorf("bar %d size %#x: %w", b.Index, b.Size, ErrInvalid)
		}
		slots := []int{b.Index}
		if b.Is64Bit {
			slots = append(slots, b.Index+1)
		}
		for _, s := range slots {
			if used[s] {
				return fmt.Errorf("bar %d overlaps another bar: %w", b.Index, ErrInvalid)
			}
			used[s] = true
		}
	}
	return nil
}
