// Command theiad runs the Theia Collector: the durable event store,
// live broker, and the /event, /find, /live message channels.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/matgreaves/run"

	"github.com/theia-log/theia/broker"
	"github.com/theia-log/theia/collector"
	"github.com/theia-log/theia/store"
	"github.com/theia-log/theia/store/filestore"
	"github.com/theia-log/theia/store/rdbs"
)

func main() {
	host := flag.String("host", "", "bind host")
	port := flag.Int("port", 6433, "bind port")
	dataDir := flag.String("data-dir", "theia-data", "data directory (file store only)")
	storeType := flag.String("store", "file", `store backend: "file" or "rdbs"`)
	databaseURL := flag.String("database-url", "", "database URL (rdbs store only)")
	bucketWidth := flag.Int64("bucket-width", filestore.DefaultBucketWidth, "time bucket width in seconds (file store only)")
	verbose := flag.Bool("verbose", false, "log every push/find/live event")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, *storeType, *dataDir, *databaseURL, *bucketWidth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "theiad: %v\n", err)
		os.Exit(1)
	}

	b := broker.New()
	c := collector.New(s, b)
	c.Verbose = *verbose
	c.Log = func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "theiad: "+format+"\n", args...)
	}

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	fmt.Fprintf(os.Stderr, "theiad: listening on %s (store=%s)\n", addr, *storeType)

	supervisor := run.Sequence{
		run.Func(func(ctx context.Context) error {
			return c.Serve(ctx, addr)
		}),
		run.Idle,
	}

	runErr := supervisor.Run(ctx)

	// Flush and release the store on the way down regardless of how the
	// supervisor exited.
	if err := s.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "theiad: close store: %v\n", err)
	}
	if runErr != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "theiad: %v\n", runErr)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, storeType, dataDir, databaseURL string, bucketWidth int64) (store.Store, error) {
	switch storeType {
	case "file":
		s, err := filestore.Open(dataDir, bucketWidth)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil
	case "rdbs":
		if databaseURL == "" {
			return nil, fmt.Errorf("store=rdbs requires -database-url")
		}
		s, err := rdbs.Open(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open relational store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type %q (want \"file\" or \"rdbs\")", storeType)
	}
}
