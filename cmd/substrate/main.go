// Command substrate boots a kernel, seeds principals from an
// agentfile, runs their autonomous loops for a configured duration,
// and optionally snapshots the result. Styled after cmd/appserver/main.go
// and cmd/slctl/main.go: flag.String/Bool for options, an explicit
// run(ctx, args) entry point returning an error instead of calling
// os.Exit directly from main, signal-driven shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-network/agentsubstrate/kernel"
	"github.com/r3e-network/agentsubstrate/kernel/agentfile"
	"github.com/r3e-network/agentsubstrate/kernel/collab"
	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/kconfig"
	"github.com/r3e-network/agentsubstrate/kernel/klog"
	"github.com/r3e-network/agentsubstrate/kernel/ledger"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "substrate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("substrate", flag.ContinueOnError)
	duration := fs.Duration("duration", 30*time.Second, "how long to run autonomous loops before stopping")
	agentsPath := fs.String("agents", "", "path to an agentfile.yaml listing principals to start")
	configPath := fs.String("config", "", "path to a kernel config YAML file (defaults built-in if omitted)")
	snapshotPath := fs.String("snapshot", "", "path to write a JSON snapshot after the run stops")
	eventLogPath := fs.String("event-log", "", "path to append a newline-delimited JSON event log")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := klog.NewFromEnv("substrate")

	cfg := kconfig.Default()
	if *configPath != "" {
		loaded, err := kconfig.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	var opts []kernel.Option
	opts = append(opts, kernel.WithLogger(log))

	if *eventLogPath != "" {
		sink, err := eventlog.NewFileSink(*eventLogPath)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer sink.Close()
		opts = append(opts, kernel.WithEventSink(sink))
	}

	k, err := kernel.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("initialize kernel: %w", err)
	}

	var principals []agentfile.Principal
	if *agentsPath != "" {
		f, err := agentfile.Load(*agentsPath)
		if err != nil {
			return fmt.Errorf("load agentfile: %w", err)
		}
		principals = f.Principals
	}

	for _, p := range principals {
		for resource, amount := range p.StartingBalances {
			if amount > 0 {
				_ = k.Ledger.Credit(p.ID, ledger.Resource(resource), amount)
			}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	loopCfg := cfg.Execution.AgentLoop
	for _, p := range principals {
		if !p.Autonomous || !cfg.Execution.UseAutonomousLoops {
			continue
		}
		pcfg := loopCfg
		if len(p.ResourcesToCheck) > 0 {
			pcfg.ResourcesToCheck = p.ResourcesToCheck
		}
		log.With(map[string]any{"principal": p.ID}).Info("starting autonomous loop")
		k.StartWorker(runCtx, p.ID, collab.NoopDecisionEngine{}, pcfg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-runCtx.Done():
	case <-sigCh:
		cancel()
	}

	if !k.StopAll(10 * time.Second) {
		log.Warn("one or more workers did not stop within the shutdown timeout")
	}

	if *snapshotPath != "" {
		snap := k.Snapshot()
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if err := os.WriteFile(*snapshotPath, data, 0o644); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}

	return nil
}
