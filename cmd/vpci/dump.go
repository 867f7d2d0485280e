package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vpci/internal/devices/virtio"
)

var dumpRaw bool

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Show configuration space and BAR layout of every function",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadMachine()
		if err != nil {
			return err
		}
		defer m.Close()

		for _, fn := range m.Functions() {
			conf := fn.Transport.Configuration()
			id := conf.ReadReg(0)
			fmt.Printf("00:%02x.0 %04x:%04x irq %d\n", fn.Slot, uint16(id), uint16(id>>16), fn.IRQ)

			if dumpRaw {
				fmt.Print(conf.HexDump(0x100))
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  CAP\tTYPE\tBAR\tOFFSET\tLENGTH")
			raw := conf.Bytes()
			for _, info := range conf.Capabilities() {
				c, extra, err := decodeCap(raw[info.Offset:])
				if err != nil {
					fmt.Fprintf(w, "  %#02x\tid %#02x\t-\t-\t-\n", info.Offset, info.ID)
					continue
				}
				fmt.Fprintf(w, "  %#02x\t%s%s\t%d\t%#x\t%#x\n", info.Offset, c.Type, extra, c.Bar, c.Offset, c.Length)
			}
			w.Flush()

			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  RANGE\tBASE\tSIZE")
			for i, r := range fn.Ranges {
				name := "capabilities"
				if i > 0 {
					name = fmt.Sprintf("device %d", i)
				}
				fmt.Fprintf(w, "  %s\t%#x\t%#x\n", name, r.Addr, r.Size)
			}
			w.Flush()

			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  QUEUE\tNOTIFY\tDATAMATCH")
			for i, ev := range fn.Transport.IoEventFds() {
				fmt.Fprintf(w, "  %d\t%#x\t%d\n", i, ev.Addr, ev.Datamatch)
			}
			w.Flush()
			fmt.Println()
		}
		return nil
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpRaw, "raw", false, "include a hex dump of configuration space")
	rootCmd.AddCommand(dumpCmd)
}

func decodeCap(b []byte) (virtio.PciCap, string, error) {
	if len(b) > 3 && virtio.CapType(b[3]) == virtio.VIRTIO_PCI_CAP_NOTIFY_CFG {
		nc, err := virtio.DecodePciNotifyCap(b)
		return nc.PciCap, fmt.Sprintf(" (x%d)", nc.Multiplier), err
	}
	c, err := virtio.DecodePciCap(b)
	return c, "", err
}
