// ./main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/cartographer/cmd"
	"github.com/xkilldash9x/cartographer/internal/observability"
)

const panicLogFile = "cartographer-panic.log"

// main is the entry point for the cartographer CLI.
func main() {
	defer handlePanic()

	// Interrupts cancel the context; crawls and explorations then return
	// what they found so far.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		stop()
		os.Exit(1)
	}
}

// handlePanic writes the stack of an unrecovered panic to a file before exiting.
func handlePanic() {
	if r := recover(); r != nil {
		observability.Sync()

		panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		if err := os.WriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
			fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		} else {
			fmt.Fprintf(os.Stderr, "CRASH DETECTED. Details logged to %s\n", panicLogFile)
		}
		os.Exit(2)
	}
}
