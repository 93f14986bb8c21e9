package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bsdebug/bsdebug/internal/protocol"
	"github.com/bsdebug/bsdebug/internal/server"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the emulated device server (for protocol experiments)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := server.New(server.Config{
				Host:              flags.host,
				Port:              port,
				RevisionTimestamp: time.Now().UnixMilli(),
				Log:               flags.logger(),
			})
			s.Use(&bootStopPlugin{srv: s})

			go func() {
				<-s.Ready
				fmt.Printf("emulated device listening on %s:%d\n", flags.host, s.Port)
			}()
			return s.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", protocol.DefaultControlPort, "control channel port")
	return cmd
}

// bootStopPlugin mimics the device booting into the debugger: right
// after the handshake response goes out it announces an all-threads
// stop, which a well-behaved client answers with a continue.
type bootStopPlugin struct {
	server.BasePlugin
	srv *server.Server
}

func (p *bootStopPlugin) OnClientConnected(ev server.ClientConnectedEvent) server.ClientConnectedEvent {
	go func() {
		// Give the handshake exchange a moment to finish.
		time.Sleep(100 * time.Millisecond)
		p.srv.SendUpdate(&protocol.AllThreadsStoppedUpdate{
			PrimaryThreadIndex: 0,
			StopReason:         protocol.StopReasonNormal,
		})
	}()
	return ev
}
