// SPDX-License-Identifier: GPL-3.0-or-later

// Command yogi-probe starts a single branch, logs every discovery and
// connection event it sees, and logs the first broadcast it receives (the
// broadcast receive handler is armed once and nothing is sent back).
// It exists to exercise the library end to end on a real network
// interface, the way a teacher's cmd/ tool exercises its own library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bassosimone/yogi"
	"github.com/google/uuid"
)

func main() {
	name := flag.String("name", "", "branch name (default: pid@hostname)")
	netName := flag.String("net-name", "", "network name (default: hostname)")
	password := flag.String("password", "", "network password")
	ghost := flag.Bool("ghost", false, "ghost mode: observe without advertising or connecting")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("spanId", yogi.NewSpanID())

	cfg := yogi.NewBranchConfig()
	cfg.Logger = logger
	if *name != "" {
		cfg.Name = *name
	}
	if *netName != "" {
		cfg.NetName = *netName
	}
	cfg.Password = *password
	cfg.GhostMode = *ghost

	execCtx := yogi.NewContext()
	execCtx.RunInBackground()
	defer func() {
		execCtx.Stop()
		execCtx.Wait()
	}()

	branch, err := yogi.NewBranch(execCtx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "yogi-probe: creating branch: %v\n", err)
		os.Exit(1)
	}
	defer branch.Destroy()

	branch.AwaitEvent(^yogi.EventMask(0), func(ev yogi.BranchEvent) {
		logger.Info("branch event", "kind", ev.Kind, "uuid", ev.UUID, "result", ev.Result, "details", ev.Details)
	})

	branch.ReceiveBroadcast(func(senderUUID uuid.UUID, data []byte) {
		logger.Info("broadcast received", "sender", senderUUID, "bytes", len(data))
	})

	if err := branch.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "yogi-probe: starting branch: %v\n", err)
		os.Exit(1)
	}
	logger.Info("branch started", "info", branch.GetInfo())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("branch stopping")
	branch.Stop()
}
