// Command ttdquery looks for OpenTTD servers and content.
//
// Usage:
//
//	ttdquery lan                         # search the local network
//	ttdquery query host[:port] ...       # ask servers directly
//	ttdquery listing                     # public servers from the game coordinator
//	ttdquery servers                     # lan and listing together
//	ttdquery content [-type newgrf]      # list the content catalogue
//	ttdquery download id ...             # download content by id
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/udisondev/ttdnet/internal/config"
)

// pollInterval is how often the network handlers are polled while waiting.
const pollInterval = 30 * time.Millisecond

type command struct {
	name string
	desc string
	run  func(ctx context.Context, args []string) error
}

var commands []command

func registerCommand(name, desc string, fn func(ctx context.Context, args []string) error) {
	commands = append(commands, command{name: name, desc: desc, run: fn})
}

func init() {
	registerCommand("lan", "Search for servers on the local network", runLAN)
	registerCommand("query", "Ask servers for their game info", runQuery)
	registerCommand("listing", "List public servers known to the game coordinator", runListing)
	registerCommand("servers", "Search the local network and the game coordinator", runServers)
	registerCommand("content", "List the content server catalogue", runContent)
	registerCommand("download", "Download content by id", runDownload)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if os.Getenv("TTDNET_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		if err := c.run(ctx, args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "ttdquery %s: %v\n", c.name, err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
	printUsage()
	os.Exit(2)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: ttdquery <command> [arguments]")
	fmt.Fprintln(os.Stderr)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.desc)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Service addresses follow the OTTD_* environment overrides.")
}

// connectionStrings resolves the service addresses from the environment.
var connectionStrings = config.LoadConnectionStrings

// pollUntil calls poll until done reports true, the timeout passes or ctx is
// cancelled. Only the timeout and done end it without an error.
func pollUntil(ctx context.Context, timeout time.Duration, poll func(), done func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		poll()
		if done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}
