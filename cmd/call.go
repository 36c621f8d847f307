package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devopschat/pkg/rpc"
	"devopschat/pkg/transport"

	"github.com/spf13/cobra"
)

var callTimeout time.Duration

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call <ws-url> <method> [json-params]",
	Short: "Call one agent operation and print the result",
	Long:  "Connects to the agent at ws-url, waits for its announcement, invokes method with the optional JSON params and prints the payload.",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closeLog, err := loadRuntime("cmd.call", false)
		if err != nil {
			return err
		}
		defer closeLog()

		params, err := parseCallParams(args[2:])
		if err != nil {
			return err
		}

		timeout := cfg.Bridge.CallTimeout()
		if callTimeout > 0 {
			timeout = callTimeout
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runCall(runCtx, callRequest{
			URL:     args[0],
			Origin:  cfg.Bridge.Origin,
			Method:  rpc.Method(args[1]),
			Params:  params,
			Timeout: timeout,
		}, cmd.OutOrStdout(), log)
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().DurationVarP(&callTimeout, "timeout", "t", 0, "call deadline (default from bridge.call_timeout_seconds)")
}

type callRequest struct {
	URL     string
	Origin  string
	Method  rpc.Method
	Params  json.RawMessage
	Timeout time.Duration
}

func parseCallParams(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := bytes.TrimSpace([]byte(args[0]))
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params are not valid JSON: %s", args[0])
	}
	return json.RawMessage(raw), nil
}

// runCall dials the agent, waits for its hello and performs one call. The
// hello is awaited within the same deadline as the call itself.
func runCall(ctx context.Context, req callRequest, out io.Writer, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	announced := make(chan rpc.Endpoint, 1)
	bridge := rpc.NewBridge(rpc.BridgeOptions{
		Timeout: req.Timeout,
		Logger:  log,
		OnHello: func(ep rpc.Endpoint) {
			select {
			case announced <- ep:
			default:
			}
		},
	})
	defer bridge.Close()

	conn, err := transport.Dial(ctx, req.URL, req.Origin, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	go func() { _ = conn.Serve(serveCtx, bridge.HandleMessage) }()

	var ep rpc.Endpoint
	select {
	case ep = <-announced:
	case <-conn.Done():
		return errors.New("agent closed the connection before announcing itself")
	case <-ctx.Done():
		return fmt.Errorf("waiting for agent hello: %w", ctx.Err())
	}

	var params any
	if req.Params != nil {
		params = req.Params
	}
	payload, err := bridge.Call(ctx, ep.Name, req.Method, params)
	if err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			return fmt.Errorf("[FEIL] %s", remote.Message)
		}
		return err
	}

	return printPayload(out, payload)
}

func printPayload(out io.Writer, payload json.RawMessage) error {
	if len(payload) == 0 {
		_, err := fmt.Fprintln(out, "null")
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		_, err = fmt.Fprintln(out, string(payload))
		return err
	}
	_, err := fmt.Fprintln(out, pretty.String())
	return err
}
