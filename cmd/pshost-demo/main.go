// Command pshost-demo exercises the host core end to end: it opens a
// runspace pool over the echo engine, runs a few pipelines, and prints the
// command history.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/smnsjas/go-pshost/config"
	"github.com/smnsjas/go-pshost/engine"
	"github.com/smnsjas/go-pshost/host"
	"github.com/smnsjas/go-pshost/pool"
	"github.com/smnsjas/go-pshost/runspace"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration (optional)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(*verbose),
	}))

	factory := func() (*runspace.Runspace, error) {
		rs := runspace.New(engine.NewEchoFactory(), host.NewNullHost())
		rs.SetSlogLogger(logger)
		if err := rs.Open(); err != nil {
			return nil, err
		}
		return rs, nil
	}

	p, err := pool.New(factory, cfg.Pool.MinRunspaces, cfg.Pool.MaxRunspaces)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	p.SetIdleTimeout(cfg.Pool.IdleTimeout.Duration())
	if err := p.Open(); err != nil {
		log.Fatalf("open pool: %v", err)
	}
	defer p.Close()

	log.Printf("pool opened (min=%d max=%d)", cfg.Pool.MinRunspaces, cfg.Pool.MaxRunspaces)

	scripts := []string{
		"Get-Date",
		"Get-Process -Name pwsh",
		"Write-Output 'hello from the pool'",
	}

	var wg sync.WaitGroup
	for _, script := range scripts {
		wg.Add(1)
		go func(script string) {
			defer wg.Done()
			if err := runOne(ctx, p, script); err != nil {
				log.Printf("run %q: %v", script, err)
			}
		}(script)
	}
	wg.Wait()

	// Lease one more runspace to show off the history.
	rs, err := p.GetRunspace(ctx)
	if err != nil {
		log.Fatalf("lease runspace: %v", err)
	}
	defer p.ReleaseRunspace(rs)

	pl, err := rs.CreatePipeline("Get-History")
	if err != nil {
		log.Fatalf("create pipeline: %v", err)
	}
	if _, err := pl.Invoke(); err != nil {
		log.Fatalf("invoke: %v", err)
	}

	entries, err := rs.History().Entries(0, -1, false)
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	fmt.Printf("\nhistory of %s:\n", rs.Name())
	for _, e := range entries {
		fmt.Printf("  %3d  %-12s  %8s  %s\n",
			e.ID, e.Status, e.Duration().Round(time.Microsecond), e.CommandLine)
	}

	if cfg.History.Path != "" {
		if err := rs.History().Save(cfg.History.Path); err != nil {
			log.Printf("save history: %v", err)
		} else {
			log.Printf("history saved to %s", cfg.History.Path)
		}
	}
}

func runOne(ctx context.Context, p *pool.Pool, script string) error {
	rs, err := p.GetRunspace(ctx)
	if err != nil {
		return err
	}
	defer p.ReleaseRunspace(rs)

	pl, err := rs.CreatePipeline(script)
	if err != nil {
		return err
	}
	out, err := pl.Invoke()
	if err != nil {
		return err
	}
	for _, obj := range out {
		fmt.Printf("[%s] %v\n", rs.Name(), obj)
	}
	return nil
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}
