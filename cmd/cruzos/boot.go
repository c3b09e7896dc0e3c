package main

import (
	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/spf13/cobra"
)

func newBootCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the kernel and print the memory layout.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := opts.boot()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			k.PrintMemoryMap(out)

			k.PrintHeap(out)
			kfmt.Fprintf(out, "[pmm] frames used: %d, frames free: %d\n",
				k.Frames().AllocCount(), k.Frames().FreeFrames())
			return nil
		},
	}
}
