package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bsdebug/bsdebug/internal/console"
	"github.com/bsdebug/bsdebug/internal/events"
	"github.com/bsdebug/bsdebug/internal/protocol"
	"github.com/bsdebug/bsdebug/internal/telnet"
)

func newTelnetCmd(flags *rootFlags) *cobra.Command {
	var port int
	var command string

	cmd := &cobra.Command{
		Use:   "telnet",
		Short: "drive the device's fallback telnet shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTelnet(cmd.Context(), flags, port, command)
		},
	}
	cmd.Flags().IntVar(&port, "port", protocol.DefaultTelnetPort, "telnet shell port")
	cmd.Flags().StringVar(&command, "command", "", "run a single command and exit")
	return cmd
}

func runTelnet(ctx context.Context, flags *rootFlags, port int, command string) error {
	interactive := command == ""
	if interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal; use --command for scripted runs")
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(flags.host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("dial telnet shell: %w", err)
	}

	p := telnet.New(conn, telnet.Config{
		Log:     flags.logger(),
		History: console.New(0),
	})
	defer p.Close()

	// Device chatter that belongs to no command still reaches the user.
	sub := p.Broker().Subscribe(64)
	go func() {
		for ev := range sub {
			if ev.Type == events.TypeUnhandledConsoleOutput {
				fmt.Print(ev.Data)
			}
		}
	}()

	opts := telnet.ExecuteOptions{WaitForPrompt: true}

	if !interactive {
		response, err := p.Execute(ctx, command, opts)
		if err != nil {
			return err
		}
		fmt.Print(response)
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		response, err := p.Execute(ctx, scanner.Text(), opts)
		if err != nil {
			return err
		}
		fmt.Print(response)
		fmt.Print("> ")
	}
	return scanner.Err()
}
