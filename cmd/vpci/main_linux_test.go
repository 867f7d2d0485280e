package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vpci/internal/devices/virtio"
)

func TestLoadMachineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
memory: 0x400000
log_level: warn
devices:
  - type: entropy
  - type: entropy
    queue_size: 16
`), 0o644))

	configPath, logLevel = path, ""
	t.Cleanup(func() { configPath = "" })

	m, err := loadMachine()
	require.NoError(t, err)
	defer m.Close()

	assert.Len(t, m.Functions(), 2)
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
}

func TestDecodeCap(t *testing.T) {
	notify := virtio.PciNotifyCap{
		PciCap:     virtio.PciCap{Type: virtio.VIRTIO_PCI_CAP_NOTIFY_CFG, Offset: 0x3000, Length: 0x1000},
		Multiplier: 4,
	}
	c, extra, err := decodeCap(notify.Bytes())
	require.NoError(t, err)
	assert.Equal(t, notify.PciCap, c)
	assert.Equal(t, " (x4)", extra)

	common := virtio.PciCap{Type: virtio.VIRTIO_PCI_CAP_COMMON_CFG, Length: 0x38}
	c, extra, err = decodeCap(common.Bytes())
	require.NoError(t, err)
	assert.Equal(t, common, c)
	assert.Empty(t, extra)

	_, _, err = decodeCap([]byte{0x05, 0, 16, 1})
	assert.Error(t, err)
}

func TestRootCommandWiring(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"dump", "probe", "version"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}
