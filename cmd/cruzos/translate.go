package main

import (
	"strconv"
	"strings"

	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/gmelodie/cruzos/kernel/mm/vmm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newTranslateCmd(opts *rootOptions) *cobra.Command {
	var (
		userCode     uint64
		requireFlags []string
	)

	cmd := &cobra.Command{
		Use:   "translate ADDR...",
		Short: "Translate virtual addresses of the booted kernel.",
		Long: `Translate boots the kernel and resolves each virtual address ` +
			`(decimal, 0x hex or 0o octal) to its physical address.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			required, unknown := vmm.ParseFlags(requireFlags...)
			if len(unknown) != 0 {
				return errors.Errorf("unknown page flags: %s", strings.Join(unknown, ", "))
			}

			addrs := make([]uintptr, 0, len(args))
			for _, arg := range args {
				addr, err := strconv.ParseUint(arg, 0, 64)
				if err != nil {
					return errors.Wrapf(err, "invalid address %q", arg)
				}
				addrs = append(addrs, uintptr(addr))
			}

			k, err := opts.boot()
			if err != nil {
				return err
			}

			if userCode != 0 {
				if _, err = k.MapUserCode(mm.Size(userCode)); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			for _, addr := range addrs {
				physAddr, kErr := k.Translate(addr)
				if kErr != nil {
					kfmt.Fprintf(out, "0x%x -> %s\n", addr, kErr.Kind)
					continue
				}

				_, flags, _ := k.PageDirectoryTable().Lookup(mm.PageFromAddress(addr))
				if missing := required &^ flags; missing != 0 {
					kfmt.Fprintf(out, "0x%x -> 0x%x (%s), missing %s\n", addr, physAddr, flags, missing)
					continue
				}
				kfmt.Fprintf(out, "0x%x -> 0x%x (%s)\n", addr, physAddr, flags)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&requireFlags, "require", nil, "report mapped pages lacking these flags (e.g. rw,user)")
	cmd.Flags().Uint64Var(&userCode, "user-code", 0, "map this many bytes of user code before translating")
	return cmd
}
