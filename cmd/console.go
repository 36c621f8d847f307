package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"devopschat/pkg/config"
	"devopschat/pkg/rpc"
	"devopschat/pkg/transport"
	"devopschat/pkg/ui/console"

	"github.com/spf13/cobra"
)

var consoleChannel string

// consoleCmd represents the console command
var consoleCmd = &cobra.Command{
	Use:   "console [name=ws-url ...]",
	Short: "Start the interactive operator console",
	Long:  "Opens the terminal console, joins the home channel and connects to the agents listed in bridge.endpoints and on the command line.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log, closeLog, err := loadRuntime("cmd.console", true)
		if err != nil {
			fmt.Println(err)
			return
		}
		defer closeLog()

		endpoints, err := parseEndpointArgs(args)
		if err != nil {
			fmt.Println(err)
			return
		}
		endpoints = append(slices.Clone(cfg.Bridge.Endpoints), endpoints...)

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := openBus(runCtx, cfg, log)
		if err != nil {
			log.Error("Failed to open message bus", "error", err)
			return
		}
		defer rt.Close()

		c, err := console.New(console.Options{
			Bus:     rt.bus,
			Dial:    websocketDialer(runCtx, cfg.Bridge.Origin, log),
			Timeout: cfg.Bridge.CallTimeout(),
			Channel: consoleChannel,
			Sender:  cfg.Bus.Sender,
			Logger:  log,
		})
		if err != nil {
			log.Error("Failed to initialize console", "error", err)
			return
		}
		defer c.Close()

		greeting := c.Start()
		for _, ep := range endpoints {
			lines := c.Execute(runCtx, "/connect "+ep.Name+" "+ep.URL)
			if len(lines) > 1 {
				lines = lines[1:]
			}
			greeting = append(greeting, lines...)
		}

		if err := console.Run(runCtx, c, greeting...); err != nil {
			log.Error("Console failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVarP(&consoleChannel, "channel", "c", console.DefaultChannel, "channel to join on start")
}

// websocketDialer connects to agents with origin as the console's identity.
// Connections live until ctx is done, not just for the /connect call.
func websocketDialer(ctx context.Context, origin string, log *slog.Logger) console.Dialer {
	return func(dialCtx context.Context, url string, l rpc.Listener) (rpc.Window, error) {
		conn, err := transport.Dial(dialCtx, url, origin, log)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := conn.Serve(ctx, l); err != nil {
				log.Warn("Agent connection ended", "url", url, "error", err)
			}
		}()
		return conn, nil
	}
}

// parseEndpointArgs reads name=ws-url pairs.
func parseEndpointArgs(args []string) ([]config.EndpointConfig, error) {
	endpoints := make([]config.EndpointConfig, 0, len(args))
	for _, arg := range args {
		name, url, ok := strings.Cut(arg, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid endpoint %q: want name=ws-url", arg)
		}
		endpoints = append(endpoints, config.EndpointConfig{Name: name, URL: url})
	}
	return endpoints, nil
}
