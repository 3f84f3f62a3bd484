package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvmetest/qnvme"
	"github.com/nvmetest/qnvme/internal/logging"
	"github.com/nvmetest/qnvme/internal/rpc"
	"github.com/nvmetest/qnvme/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	sectors   uint64
	socket    string
	verbose   bool
	transport string
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:   "nvmetestd",
		Short: "NVMe I/O validation and telemetry driver",
		Long: `nvmetestd bootstraps the validation engine's shared process state
(config word, IO token, checksum table), attaches a namespace, and drives
write/read/deallocate workloads against it, verifying every read against
the data painted at write time.`,
	}
	root.PersistentFlags().Uint64Var(&g.sectors, "sectors", 1<<16, "namespace size in 512-byte sectors")
	root.PersistentFlags().StringVar(&g.socket, "rpc-socket", rpc.DefaultSocketPath, "unix socket path for the RPC server")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&g.transport, "transport", "mock", "transport backend (only \"mock\" is built in)")

	root.AddCommand(newInitCmd(&g))
	root.AddCommand(newIOWorkerCmd(&g))
	root.AddCommand(newQueueCmd(&g))
	return root
}

func setupLogging(g *globalFlags) *logging.Logger {
	cfg := logging.DefaultConfig()
	if g.verbose {
		cfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(cfg)
	logging.SetDefault(logger)
	return logger
}

func newTransport(g *globalFlags) (transport.Transport, error) {
	switch g.transport {
	case "mock", "":
		return transport.NewMock(g.sectors, 1<<20), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (only \"mock\" is built in)", g.transport)
	}
}

func bootstrap(g *globalFlags) (*qnvme.Driver, *qnvme.Namespace, error) {
	tr, err := newTransport(g)
	if err != nil {
		return nil, nil, err
	}
	d := qnvme.NewDriver(tr, qnvme.DriverOptions{RPCSocketPath: g.socket})
	if err := d.Init(g.sectors); err != nil {
		return nil, nil, err
	}
	ctrlr, err := tr.Probe(g.transport)
	if err != nil {
		d.Fini()
		return nil, nil, err
	}
	ns, err := d.NewNamespace(1, qnvme.SectorSize, g.sectors, ctrlr)
	if err != nil {
		d.Fini()
		return nil, nil, err
	}
	return d, ns, nil
}

// newInitCmd bootstraps the driver, prints the primary/secondary role,
// then blocks until SIGINT/SIGTERM, mirroring the
// teacher's signal-driven shutdown in cmd/ublk-mem.
func newInitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the driver and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(g)
			d, _, err := bootstrap(g)
			if err != nil {
				return err
			}
			defer d.Fini()

			logger.Info("driver ready", "primary", d.IsPrimary(), "sectors", g.sectors, "rpc_socket", g.socket)
			fmt.Printf("driver ready (primary=%v)\nPress Ctrl+C to stop...\n", d.IsPrimary())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Info("received shutdown signal")
			return nil
		},
	}
}

type ioworkerFlags struct {
	lbaStart    uint64
	lbaSize     uint32
	lbaAlign    uint32
	lbaRandom   bool
	regionStart uint64
	regionEnd   uint64
	readPct     int
	iops        int
	ioCount     int
	seconds     int
	qdepth      int
}

func newIOWorkerCmd(g *globalFlags) *cobra.Command {
	ioCmd := &cobra.Command{
		Use:   "ioworker",
		Short: "Run I/O workloads against the attached namespace",
	}
	ioCmd.AddCommand(newIOWorkerRunCmd(g))
	return ioCmd
}

func newIOWorkerRunCmd(g *globalFlags) *cobra.Command {
	var f ioworkerFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one workload and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(g)
			d, ns, err := bootstrap(g)
			if err != nil {
				return err
			}
			defer d.Fini()

			ctrlr, err := d.Transport().Probe(g.transport)
			if err != nil {
				return err
			}
			qp, err := d.NewQueuePair(ctrlr, 0, uint32(f.qdepth))
			if err != nil {
				return err
			}
			defer qp.Free()

			if f.regionEnd == 0 {
				f.regionEnd = g.sectors
			}
			rng := rand.New(rand.NewSource(1))
			w, err := qnvme.NewIOWorker(ns, qp, rng, qnvme.IOWorkerArgs{
				LBAStart:       f.lbaStart,
				LBASize:        f.lbaSize,
				LBAAlign:       f.lbaAlign,
				LBARandom:      f.lbaRandom,
				RegionStart:    f.regionStart,
				RegionEnd:      f.regionEnd,
				ReadPercentage: f.readPct,
				IOPS:           f.iops,
				IOCount:        f.ioCount,
				Seconds:        f.seconds,
				QDepth:         f.qdepth,
			})
			if err != nil {
				return err
			}

			start := time.Now()
			res, err := w.Run()
			logger.Info("ioworker run finished", "elapsed", time.Since(start), "error", err)
			if res != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(res)
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&f.lbaStart, "lba-start", 0, "first LBA for sequential mode")
	cmd.Flags().Uint32Var(&f.lbaSize, "lba-size", 1, "blocks per I/O")
	cmd.Flags().Uint32Var(&f.lbaAlign, "lba-align", 1, "LBA alignment")
	cmd.Flags().BoolVar(&f.lbaRandom, "random", false, "select LBAs randomly instead of sequentially")
	cmd.Flags().Uint64Var(&f.regionStart, "region-start", 0, "first LBA of the addressable region")
	cmd.Flags().Uint64Var(&f.regionEnd, "region-end", 0, "last LBA of the addressable region (0 = namespace size)")
	cmd.Flags().IntVar(&f.readPct, "read-percentage", 0, "percentage of I/Os that are reads (0-100)")
	cmd.Flags().IntVar(&f.iops, "iops", 0, "IOPS cap (0 = uncapped)")
	cmd.Flags().IntVar(&f.ioCount, "io-count", 0, "number of I/Os to issue (0 = unbounded, stop by duration)")
	cmd.Flags().IntVar(&f.seconds, "seconds", 10, "workload duration cap in seconds")
	cmd.Flags().IntVar(&f.qdepth, "qdepth", 32, "queue depth")
	return cmd
}

func newQueueCmd(g *globalFlags) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queue-pair command logs",
	}
	queueCmd.AddCommand(newQueueDumpCmd(g))
	return queueCmd
}

func newQueueDumpCmd(g *globalFlags) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Bootstrap the driver, issue one write, and dump its command log",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ns, err := bootstrap(g)
			if err != nil {
				return err
			}
			defer d.Fini()

			ctrlr, err := d.Transport().Probe(g.transport)
			if err != nil {
				return err
			}
			qp, err := d.NewQueuePair(ctrlr, 0, 32)
			if err != nil {
				return err
			}
			defer qp.Free()

			buf := make([]byte, qnvme.SectorSize)
			if err := ns.ReadWrite(false, qp, buf, 0, 1, 0, nil); err != nil {
				return err
			}
			if _, err := qp.Wait(0); err != nil {
				return err
			}

			for _, e := range qp.Log.Dump(n) {
				fmt.Printf("queue=%d opcode=0x%02x lba=%d status=0x%04x latency_us=%d\n",
					e.Queue, e.Opcode, e.LBA, e.Status, e.LatencyUs)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "limit", 10, "maximum entries to print, newest first")
	return cmd
}
