package main

import (
	"os"

	"github.com/gmelodie/cruzos/kernel/hal/multiboot"
	"github.com/gmelodie/cruzos/kernel/mm/pmm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newMemmapCmd(opts *rootOptions) *cobra.Command {
	var (
		multibootFile string
		dumpFile      string
	)

	cmd := &cobra.Command{
		Use:   "memmap",
		Short: "Print the firmware memory map seen by the frame source.",
		Long: `Memmap prints the memory map of the boot configuration or, with ` +
			`--multiboot, of a raw multiboot2 information payload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}

			info := cfg.BootInfo()
			if multibootFile != "" {
				data, err := os.ReadFile(multibootFile)
				if err != nil {
					return errors.Wrap(err, "read multiboot payload")
				}

				var kErr error
				if info, kErr = parseMultiboot(data); kErr != nil {
					return errors.Wrapf(kErr, "parse %s", multibootFile)
				}
			}

			if dumpFile != "" {
				if err = os.WriteFile(dumpFile, info.Encode(), 0o644); err != nil {
					return errors.Wrap(err, "write multiboot payload")
				}
			}

			frames := pmm.NewBootMemAllocator(nil, info, uintptr(cfg.Kernel.Start), uintptr(cfg.Kernel.End))
			frames.PrintMemoryMap(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVar(&multibootFile, "multiboot", "", "read the memory map from a multiboot2 info payload")
	cmd.Flags().StringVar(&dumpFile, "dump", "", "write the memory map as a multiboot2 info payload")
	return cmd
}

// parseMultiboot calls multiboot.Parse and returns its error as an error
// interface.
func parseMultiboot(data []byte) (*multiboot.Info, error) {
	info, err := multiboot.Parse(data)
	if err != nil {
		return nil, err
	}
	return info, nil
}
