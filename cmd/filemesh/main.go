package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prxssh/filemesh/internal/logging"
	"github.com/prxssh/filemesh/internal/peerproc"
)

const (
	commonCfgName   = "Common.cfg"
	peerInfoCfgName = "PeerInfo.cfg"
)

func main() {
	setupLogger()

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: filemesh <peerID>")
		os.Exit(1)
	}

	peerID, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "peer ID must be an integer")
		os.Exit(1)
	}

	if !exists(commonCfgName) || !exists(peerInfoCfgName) {
		fmt.Fprintf(os.Stderr, "error: %s or %s not found\n", commonCfgName, peerInfoCfgName)
		os.Exit(1)
	}

	p, err := peerproc.New(".", peerID, commonCfgName, peerInfoCfgName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("starting peer %d\n", peerID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		slog.Error("peer exited with error", "error", err)
		os.Exit(1)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func setupLogger() {
	opts := logging.DefaultConsoleOptions()
	h := logging.NewConsoleHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(h))
}
