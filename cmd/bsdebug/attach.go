package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bsdebug/bsdebug/internal/debugger"
	"github.com/bsdebug/bsdebug/internal/events"
	"github.com/bsdebug/bsdebug/internal/protocol"
)

func newAttachCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "attach to the device's debug control channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd.Context(), flags, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", protocol.DefaultControlPort, "control channel port")
	return cmd
}

func runAttach(ctx context.Context, flags *rootFlags, port int) error {
	sess, err := debugger.Connect(ctx, debugger.Config{
		Host: flags.host,
		Port: port,
		Log:  flags.logger(),
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	select {
	case <-sess.Ready:
	case <-sess.Done():
		return sess.Err()
	case <-ctx.Done():
		return ctx.Err()
	}

	st, err := sess.State(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("attached, protocol %s\n", st.ProtocolVersion)

	// Print updates and program output as they arrive.
	sub := sess.Broker().Subscribe(64)
	go func() {
		for ev := range sub {
			switch ev.Type {
			case events.TypeIOOutput:
				fmt.Println(ev.Data)
			case events.TypeUpdate:
				if u, ok := ev.Data.(*protocol.AllThreadsStoppedUpdate); ok {
					fmt.Printf("stopped: thread %d, %s %s\n",
						u.PrimaryThreadIndex, u.StopReason, u.StopReasonDetail)
				}
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		if done := attachDispatch(ctx, sess, scanner.Text()); done {
			return nil
		}
		select {
		case <-sess.Done():
			return sess.Err()
		default:
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// attachDispatch runs one interactive verb; it reports true when the
// user asked to leave.
func attachDispatch(ctx context.Context, sess *debugger.Session, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "continue", "c":
		err = sess.Continue(ctx)
	case "pause", "p":
		err = sess.Pause(ctx)
	case "step", "s":
		st := protocol.StepLine
		if len(fields) > 1 {
			switch fields[1] {
			case "over":
				st = protocol.StepOver
			case "out":
				st = protocol.StepOut
			}
		}
		err = sess.Step(ctx, st)
	case "threads", "t":
		var threads []protocol.ThreadInfo
		if threads, err = sess.Threads(ctx); err == nil {
			for i, th := range threads {
				marker := " "
				if th.Primary {
					marker = "*"
				}
				fmt.Printf("%s %d %s at %s(%d)\n", marker, i, th.Function, th.FilePath, th.Line)
			}
		}
	case "stack", "bt":
		var frames []protocol.StackFrame
		if frames, err = sess.StackTrace(ctx); err == nil {
			for i, f := range frames {
				fmt.Printf("#%d %s at %s(%d)\n", i, f.Function, f.FilePath, f.Line)
			}
		}
	case "vars", "v":
		var vars []protocol.Variable
		if vars, err = sess.Variables(ctx, fields[1:], true); err == nil {
			for _, vr := range vars {
				fmt.Printf("%s = %v\n", vr.Name, vr.Value)
			}
		}
	case "frame", "f":
		if len(fields) > 1 {
			var idx int
			if _, err = fmt.Sscanf(fields[1], "%d", &idx); err == nil {
				err = sess.SelectStackFrame(ctx, uint32(idx))
			}
		}
	case "exit":
		if err = sess.ExitChannel(ctx); err == nil {
			return true
		}
	case "quit", "q":
		return true
	default:
		fmt.Println("commands: continue pause step[ over|out] threads stack vars <path...> frame <n> exit quit")
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}
