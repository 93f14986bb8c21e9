// bsdebug is a command-line front-end for the set-top-box debug
// protocol: attach to a device's control channel, drive its fallback
// telnet shell, or run the emulated device server.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bsdebug/bsdebug/internal/version"
)

type rootFlags struct {
	host    string
	verbose bool
}

func (f *rootFlags) logger() *slog.Logger {
	if f.verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "bsdebug",
		Short:         "debug client for set-top-box scripting runtimes",
		Version:       fmt.Sprintf("%s (%s)", version.Version, version.Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.host, "host", "0.0.0.0", "device address")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log protocol traffic to stderr")

	root.AddCommand(newAttachCmd(flags))
	root.AddCommand(newTelnetCmd(flags))
	root.AddCommand(newServeCmd(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
