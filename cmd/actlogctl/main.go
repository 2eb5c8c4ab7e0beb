// Command actlogctl constructs an actlog.Device over a file or
// in-memory backend and either serves it until interrupted or drops
// into an interactive inspector, the way the teacher's ublk-mem
// wired a backend into CreateAndServe and waited on a signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/nblockio/actlog"
	"github.com/nblockio/actlog/internal/backend"
)

// cliFlags holds every -flag actlogctl accepts, layered on top of the
// config file by mergeFlags.
type cliFlags struct {
	configPath string
	dumpConfig bool

	backendPath string
	backendSize int64
	memBackend  bool

	alExtents    int
	alUpdates    bool
	alUpdatesSet bool
	diskTimeout  uint32
	maxPending   int
	workerDepth  int

	// peerCount is fixed at construction; actlogctl exercises one
	// Device against N identically-configured anonymous peers rather
	// than naming them, since the spec's core has no peer-identity
	// concept of its own.
	peerCount int
}

func parseFlags(args []string) (*cliFlags, string, error) {
	fs := flag.NewFlagSet("actlogctl", flag.ContinueOnError)

	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", "", "path to config file (default: ./"+ConfigFileName+")")
	fs.BoolVar(&f.dumpConfig, "dump-config", false, "write the effective config to -config and exit")
	fs.StringVar(&f.backendPath, "backend", "", "path to the metadata backend file")
	fs.Int64Var(&f.backendSize, "backend-size", 0, "metadata backend size in bytes")
	fs.BoolVar(&f.memBackend, "mem-backend", false, "use an in-memory backend instead of -backend (for trying things out)")
	fs.IntVar(&f.alExtents, "al-extents", 0, "activity log LRU capacity")
	fs.BoolVar(&f.alUpdates, "al-updates", true, "write activity log transactions to disk")
	fs.Uint32Var(&f.diskTimeout, "disk-timeout-ds", 0, "metadata I/O timeout in deciseconds (0 = infinite)")
	fs.IntVar(&f.maxPending, "max-pending-changes", 0, "bound on in-flight activity log slot changes")
	fs.IntVar(&f.workerDepth, "worker-queue-depth", 0, "submit queue depth for the background worker")
	fs.IntVar(&f.peerCount, "peers", 1, "number of replication peers to construct bitmaps for")

	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	f.alUpdatesSet = fs.Changed("al-updates")

	cmd := "serve"
	if rest := fs.Args(); len(rest) > 0 {
		cmd = rest[0]
	}
	return f, cmd, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, cmd, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfgPath := resolveConfigPath(flags.configPath)
	fileCfg, existed, err := loadFileConfig(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !existed {
		fileCfg = defaultFileConfig()
	}
	fileCfg = mergeFlags(fileCfg, flags)

	if flags.dumpConfig {
		if err := writeFileConfigAtomic(cfgPath, fileCfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("wrote %s\n", cfgPath)
		return 0
	}

	if !flags.memBackend {
		if err := validateFileConfig(fileCfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}

	be, err := openBackend(fileCfg, flags.memBackend)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	params := deviceParamsFromConfig(fileCfg, flags.peerCount)
	params.MetaBackend = be

	dev, err := actlog.NewDevice(params, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "new device:", err)
		return 1
	}
	defer dev.Close()

	switch cmd {
	case "serve":
		return serve(dev)
	case "inspect":
		return (&inspector{dev: dev}).run()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected serve or inspect)\n", cmd)
		return 2
	}
}

func openBackend(c fileConfig, useMem bool) (backend.Backend, error) {
	if useMem {
		size := c.BackendSizeBytes
		if size <= 0 {
			size = 1 << 30
		}
		return backend.NewMemory(size), nil
	}
	return backend.OpenFile(c.BackendPath, c.BackendSizeBytes)
}

// serve holds the device open and logs a periodic metrics snapshot
// until interrupted, the way ublk-mem blocked on CreateAndServe.
func serve(dev *actlog.Device) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	fmt.Println("actlogctl: device ready, transaction", dev.TrNumber())

	for {
		select {
		case <-ctx.Done():
			fmt.Println("actlogctl: shutting down")
			return 0
		case <-ticker.C:
			snap := dev.MetricsSnapshot()
			fmt.Printf("actlogctl: trnr=%d writcnt=%d commits=%d avg_latency=%s\n",
				dev.TrNumber(), dev.WritCount(), snap.TransactionsWritten,
				time.Duration(snap.AvgCommitLatencyNs))
		}
	}
}
