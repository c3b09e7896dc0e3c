package main

import (
	"math/rand"
	"sync/atomic"

	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/kmain"
	"github.com/gmelodie/cruzos/kernel/mm/heap"
	"github.com/gmelodie/cruzos/kernel/mm/heap/heaptrace"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	maxStressBlockSize = 128
	maxLivePerWorker   = 16
)

// stressOptions configure a stress run.
type stressOptions struct {
	ops     int
	workers int
	rounds  int
	seed    int64
	trace   string
}

// stressReport summarizes a stress run.
type stressReport struct {
	RunID       string
	Allocations int
	FromFree    int
	Resets      int
}

func newStressCmd(rootOpts *rootOptions) *cobra.Command {
	opts := stressOptions{}

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent allocations against the kernel heap.",
		Long: `Stress boots the kernel and runs rounds of concurrent ` +
			`allocations. Every round ends with all blocks freed, which must ` +
			`return the heap to its initial state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := rootOpts.boot()
			if err != nil {
				return err
			}

			if opts.trace != "" {
				tracer := heaptrace.NewSQLiteTracer(opts.trace)
				if err = tracer.Init(); err != nil {
					return err
				}
				defer tracer.Close()
				k.Heap().AcceptHook(tracer)
			}

			report, err := runStress(k, opts)
			if err != nil {
				return err
			}

			kfmt.Fprintf(cmd.OutOrStdout(), "[stress] run %s: %d allocations, %d reused free blocks, %d resets\n",
				report.RunID, report.Allocations, report.FromFree, report.Resets)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.ops, "ops", 64, "operations per worker and round")
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "number of concurrent workers")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 16, "number of rounds")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "random seed")
	cmd.Flags().StringVar(&opts.trace, "trace", "", "record heap events into this SQLite database")
	return cmd
}

// runStress exercises the heap of k. Each worker owns a private random
// source derived from the seed so runs with one worker are reproducible.
func runStress(k *kmain.Kernel, opts stressOptions) (*stressReport, error) {
	if opts.ops <= 0 || opts.workers <= 0 || opts.rounds <= 0 {
		return nil, errors.New("ops, workers and rounds must be positive")
	}

	var (
		alloc   = k.Heap()
		checker = newOverlapChecker()
		report  = &stressReport{RunID: xid.New().String()}
		counter = newStressCounter()
	)

	alloc.AcceptHook(counter)
	logger := kfmt.Logger("stress").WithField("run", report.RunID)

	for round := 0; round < opts.rounds; round++ {
		var g errgroup.Group
		for worker := 0; worker < opts.workers; worker++ {
			rng := rand.New(rand.NewSource(opts.seed + int64(round*opts.workers+worker)))
			g.Go(func() error {
				return stressWorker(k, checker, rng, opts.ops)
			})
		}

		if err := g.Wait(); err != nil {
			return nil, errors.Wrapf(err, "round %d", round)
		}

		stats := alloc.Stats()
		if stats.Allocations != 0 || stats.Next != stats.ArenaStart || stats.FreeBlocks != 0 {
			return nil, errors.Errorf("round %d: heap not reset after freeing every block: %+v", round, stats)
		}
		logger.WithField("round", round).Debug("round complete")
	}

	report.Allocations, report.FromFree, report.Resets = counter.snapshot()
	return report, nil
}

// stressCounter is a heap hook counting allocator events.
type stressCounter struct {
	allocations, fromFree, resets atomic.Int64
}

func newStressCounter() *stressCounter { return &stressCounter{} }

// Func implements heap.Hook.
func (c *stressCounter) Func(ctx heap.HookCtx) {
	switch ctx.Pos {
	case heap.HookPosAllocate:
		c.allocations.Add(1)
		if ctx.Item.FromFreeList {
			c.fromFree.Add(1)
		}
	case heap.HookPosReset:
		c.resets.Add(1)
	}
}

func (c *stressCounter) snapshot() (allocations, fromFree, resets int) {
	return int(c.allocations.Load()), int(c.fromFree.Load()), int(c.resets.Load())
}

type liveBlock struct {
	addr, size uintptr
	magic      uint64
}

func stressWorker(k *kmain.Kernel, checker *overlapChecker, rng *rand.Rand, ops int) error {
	var (
		vm   = k.VirtualMemory()
		live []liveBlock
	)

	free := func(i int) error {
		b := live[i]
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]

		got, kErr := vm.ReadUint64(b.addr)
		if kErr != nil {
			return errors.Wrapf(kErr, "read block 0x%x", b.addr)
		}
		if got != b.magic {
			return errors.Errorf("block 0x%x: contents changed: want 0x%x, got 0x%x", b.addr, b.magic, got)
		}

		if err := checker.Remove(b.addr); err != nil {
			return err
		}
		if kErr = heap.Free(b.addr, b.size); kErr != nil {
			return errors.Wrapf(kErr, "free block 0x%x", b.addr)
		}
		return nil
	}

	for op := 0; op < ops; op++ {
		if len(live) == maxLivePerWorker || (len(live) != 0 && rng.Intn(3) == 0) {
			if err := free(rng.Intn(len(live))); err != nil {
				return err
			}
			continue
		}

		size := uintptr(8 + rng.Intn(maxStressBlockSize-7))
		align := uintptr(1) << uint(rng.Intn(5))

		addr, kErr := heap.Alloc(size, align)
		if kErr != nil {
			return errors.Wrapf(kErr, "allocate %d bytes aligned to %d", size, align)
		}
		if addr%align != 0 {
			return errors.Errorf("block 0x%x is not aligned to %d", addr, align)
		}
		if err := checker.Add(addr, size); err != nil {
			return err
		}

		b := liveBlock{addr: addr, size: size, magic: rng.Uint64()}
		if kErr = vm.WriteUint64(addr, b.magic); kErr != nil {
			return errors.Wrapf(kErr, "write block 0x%x", addr)
		}
		live = append(live, b)
	}

	for len(live) != 0 {
		if err := free(len(live) - 1); err != nil {
			return err
		}
	}

	return nil
}
