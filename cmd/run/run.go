// Package run provides the run command which starts the gateway.
package run

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/woclouds/wopan/backend/wopan"
	"github.com/woclouds/wopan/cmd"
	"github.com/woclouds/wopan/gateway"
	"github.com/woclouds/wopan/pan"
	"github.com/woclouds/wopan/pan/panhttp"
	"github.com/woclouds/wopan/tokens"
)

var (
	host       string
	port       string
	serverMode string
	workers    int
	threads    int
	serverCfg  = gateway.DefaultCfg()
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	cmdFlags.StringVar(&host, "host", "0.0.0.0", "Address to bind to")
	cmdFlags.StringVar(&port, "port", "8000", "Port to listen on (legacy API used 5000)")
	cmdFlags.StringVar(&serverMode, "server", "auto", "Server mode: auto, threaded or async (accepted for compatibility)")
	cmdFlags.IntVar(&workers, "workers", 0, "Worker count (accepted for compatibility)")
	cmdFlags.IntVar(&threads, "threads", 0, "Thread count (accepted for compatibility)")
	serverCfg.AddFlagsPrefix(cmdFlags, "")
}

var commandDefinition = &cobra.Command{
	Use:   "run",
	Short: "Run the wopan gateway",
	Long: `Start the local HTTP gateway.  The token pool is loaded from (and
persisted to) the --tokens file; a missing file is created with a
placeholder entry.

The --server, --workers and --threads flags exist for command line
compatibility with earlier deployments.  The Go runtime schedules
requests natively, so they are only logged.`,
	Run: func(command *cobra.Command, args []string) {
		if serverMode != "auto" || workers > 0 || threads > 0 {
			pan.Logf(nil, "Ignoring scheduler flags (server=%s workers=%d threads=%d): requests are scheduled natively", serverMode, workers, threads)
		}
		if err := run(command.Flags().Changed("addr")); err != nil {
			pan.Errorf(nil, "gateway failed to start: %v", err)
			os.Exit(cmd.ExitCodeFailure)
		}
		os.Exit(cmd.ExitCodeSuccess)
	},
}

// run wires the pool, the upstream clients and the HTTP server, then
// blocks until shutdown.  addrChanged is whether --addr was given
// explicitly, in which case it wins over --host/--port.
func run(addrChanged bool) error {
	ctx := context.Background()

	pool, err := tokens.Load(pan.Config.TokenFile)
	if err != nil {
		return err
	}

	client := panhttp.NewClient(pan.Config)
	uploadClient := panhttp.NewUploadClient(pan.Config)
	factory := func(token string) gateway.Upstream {
		return wopan.New(token, client, uploadClient)
	}
	handlers := gateway.NewHandlers(pool, factory, pan.Config.ScratchDir)

	serverCfg.ListenAddr = listenAddr(addrChanged)
	server, err := gateway.NewServer(ctx, gateway.WithConfig(serverCfg))
	if err != nil {
		return err
	}
	handlers.Register(server.Router())
	server.Serve()

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupted
	pan.Logf(nil, "Received %v, shutting down", sig)
	if err := server.Shutdown(); err != nil && err != http.ErrServerClosed {
		pan.Errorf(nil, "shutdown: %v", err)
	}
	if sig == os.Interrupt {
		os.Exit(cmd.ExitCodeInterrupted)
	}
	return nil
}

// listenAddr resolves the bind address: an explicit --addr wins,
// otherwise --host/--port are combined
func listenAddr(addrChanged bool) string {
	if addrChanged {
		return serverCfg.ListenAddr
	}
	return host + ":" + port
}
