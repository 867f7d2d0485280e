package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, DeviceEntropy, cfg.Devices[0].Type)
}

const yamlConfig = `
memory: 0x2000000
mmio:
  base: 0xd0000000
  size: 0x100000
irq_base: 9
log_level: debug
devices:
  - type: entropy
    queue_size: 64
    bars:
      - index: 2
        size: 0x1000
        is_64bit: true
        prefetchable: true
  - type: entropy
`

const tomlConfig = `
memory = 0x2000000
irq_base = 9
log_level = "debug"

[mmio]
base = 0xd0000000
size = 0x100000

[[devices]]
type = "entropy"
queue_size = 64

  [[devices.bars]]
  index = 2
  size = 0x1000
  is_64bit = true
  prefetchable = true

[[devices]]
type = "entropy"
`

func TestParseFormats(t *testing.T) {
	for _, tc := range []struct {
		format string
		data   string
	}{
		{"yaml", yamlConfig},
		{"yml", yamlConfig},
		{"toml", tomlConfig},
	} {
		t.Run(tc.format, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.data), tc.format)
			require.NoError(t, err)

			assert.Equal(t, uint64(0x200_0000), cfg.Memory)
			assert.Equal(t, MMIOWindow{Base: 0xd000_0000, Size: 0x10_0000}, cfg.MMIO)
			assert.Equal(t, uint8(9), cfg.IRQBase)
			assert.Equal(t, "debug", cfg.LogLevel)
			require.Len(t, cfg.Devices, 2)
			assert.Equal(t, DeviceConfig{
				Type:      DeviceEntropy,
				QueueSize: 64,
				Bars:      []BarConfig{{Index: 2, Size: 0x1000, Is64Bit: true, Prefetchable: true}},
			}, cfg.Devices[0])
			assert.Equal(t, DeviceConfig{Type: DeviceEntropy}, cfg.Devices[1])
		})
	}
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("log_level: warn\n"), "yaml")
	require.NoError(t, err)

	want := Default()
	want.LogLevel = "warn"
	assert.Equal(t, want, cfg)

	cfg, err = Parse(nil, "yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Parse([]byte("devices: []\n"), "yaml")
	require.NoError(t, err)
	assert.Empty(t, cfg.Devices)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("{}"), "json")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = Parse([]byte("bogus: 1\n"), "yaml")
	assert.Error(t, err)

	_, err = Parse([]byte("bogus = 1\n"), "toml")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte("memory = \n"), "toml")
	assert.Error(t, err)

	_, err = Parse([]byte("devices:\n  - type: net\n"), "yaml")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
	}{
		{"zero memory", func(c *Config) { c.Memory = 0 }},
		{"unaligned memory", func(c *Config) { c.Memory = 0x1234 }},
		{"empty mmio", func(c *Config) { c.MMIO.Size = 0 }},
		{"wrapping mmio", func(c *Config) { c.MMIO = MMIOWindow{Base: ^uint64(0) - 0xfff, Size: 0x2000} }},
		{"mmio below memory", func(c *Config) { c.MMIO.Base = 0x1000 }},
		{"too many devices", func(c *Config) { c.Devices = make([]DeviceConfig, maxDevices+1) }},
		{"unknown type", func(c *Config) { c.Devices[0].Type = "gpu" }},
		{"queue size not power of two", func(c *Config) { c.Devices[0].QueueSize = 100 }},
		{"queue size too large", func(c *Config) { c.Devices[0].QueueSize = 65535 }},
		{"bar index reserved", func(c *Config) { c.Devices[0].Bars = []BarConfig{{Index: 1, Size: 0x1000}} }},
		{"bar index too large", func(c *Config) { c.Devices[0].Bars = []BarConfig{{Index: 6, Size: 0x1000}} }},
		{"64-bit bar in last slot", func(c *Config) { c.Devices[0].Bars = []BarConfig{{Index: 5, Size: 0x1000, Is64Bit: true}} }},
		{"bar size not power of two", func(c *Config) { c.Devices[0].Bars = []BarConfig{{Index: 2, Size: 0x1800}} }},
		{"bar too small", func(c *Config) { c.Devices[0].Bars = []BarConfig{{Index: 2, Size: 8}} }},
		{"overlapping bars", func(c *Config) {
			c.Devices[0].Bars = []BarConfig{{Index: 2, Size: 0x1000, Is64Bit: true}, {Index: 3, Size: 0x1000}}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "vm.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Devices, 2)

	path = filepath.Join(dir, "vm.conf")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
