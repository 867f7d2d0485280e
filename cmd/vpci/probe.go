package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/vpci/internal/vmm"
)

var (
	probeSlot    int
	probeBytes   uint32
	probeBase    uint64
	probeTimeout time.Duration
	probeRounds  int
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Act as a guest driver and read entropy from a function",
	Long: `probe walks the capability list of the selected function through the
configuration ports, brings the device up through the common configuration
structure, posts one buffer and prints what the device returned. The device
is reset before exiting.

On a terminal the bytes are shown as a hex dump, otherwise they are written
to stdout unchanged. With --rounds the exchange is repeated, resetting the
device between rounds, and only the last buffer is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadMachine()
		if err != nil {
			return err
		}
		defer m.Close()

		var fn *vmm.Function
		for _, f := range m.Functions() {
			if f.Slot == probeSlot {
				fn = f
			}
		}
		if fn == nil {
			return fmt.Errorf("slot %d: %w", probeSlot, vmm.ErrNoDevice)
		}

		d, err := vmm.NewDriver(m, fn.Slot)
		if err != nil {
			return err
		}
		// Keep stdout clean when the bytes themselves are being piped.
		tty := term.IsTerminal(int(os.Stdout.Fd()))
		info := os.Stdout
		if !tty {
			info = os.Stderr
		}
		fmt.Fprintf(info, "00:%02x.0 %04x:%04x, %d queue(s)\n", fn.Slot, d.VendorID, d.DeviceID, d.NumQueues())
		for _, c := range d.Caps {
			fmt.Fprintf(info, "  cap %#02x %-8s at %#x\n", c.Offset, c.Cap.Type, c.Addr)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
		defer cancel()

		var out []byte
		if probeRounds > 1 {
			pb := progressbar.Default(int64(probeRounds))
			defer pb.Close()

			start := time.Now()
			for range probeRounds {
				if out, err = d.RequestEntropy(ctx, m.Memory(), fn.Interrupt, probeBase, probeBytes); err != nil {
					return err
				}
				pb.Add(1)
			}
			elapsed := time.Since(start)
			fmt.Fprintf(os.Stderr, "%d rounds in %s (%s per round)\n",
				probeRounds, elapsed, elapsed/time.Duration(probeRounds))
		} else if out, err = d.RequestEntropy(ctx, m.Memory(), fn.Interrupt, probeBase, probeBytes); err != nil {
			return err
		}

		if !tty {
			_, err := os.Stdout.Write(out)
			d.Reset()
			return err
		}
		fmt.Printf("status %#02x, %d bytes:\n%s", d.Status(), len(out), hex.Dump(out))

		d.Reset()
		fmt.Printf("reset, status %#02x\n", d.Status())
		return nil
	},
}

func init() {
	probeCmd.Flags().IntVar(&probeSlot, "slot", 0, "device slot on bus 0")
	probeCmd.Flags().Uint32VarP(&probeBytes, "bytes", "n", 32, "size of the buffer offered to the device")
	probeCmd.Flags().Uint64Var(&probeBase, "base", 0x10_0000, "guest address of the queue and buffer")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "overall time limit")
	probeCmd.Flags().IntVar(&probeRounds, "rounds", 1, "number of request rounds")
	rootCmd.AddCommand(probeCmd)
}
