package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vault-cli/credvault/internal/cli"
	"github.com/vault-cli/credvault/internal/session"
	"github.com/vault-cli/credvault/internal/util"
)

// interruptGrace is how long a cancelled command may take to unwind, for
// example to clear the clipboard, before the process exits anyway.
const interruptGrace = 2 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			session.Purge()
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(util.ExitError)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
		select {
		case <-sigs:
		case <-time.After(interruptGrace):
		}
		session.Purge()
		os.Exit(util.ExitError)
	}()

	err := cli.Execute(ctx, cli.Options{}, nil)
	signal.Stop(sigs)
	cancel()
	session.Purge()
	util.HandleError(err, "")
}
