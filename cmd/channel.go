package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"devopschat/pkg/bus"
	"devopschat/pkg/channel"
	"devopschat/pkg/ui/console"

	"github.com/spf13/cobra"
)

var (
	channelDescription string
	channelMaxMessages int
	channelTTL         time.Duration
	channelPersistent  bool
	channelSendJSON    bool
	channelTailPeek    bool
)

// channelCmd represents the channel command
var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage message channels in the shared store",
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels with their stored message counts",
	Args:  cobra.NoArgs,
	RunE: withBus("cmd.channel", func(ctx context.Context, mb *bus.MessageBus, out io.Writer, _ []string) error {
		return listChannels(ctx, mb.Registry(), out)
	}),
}

var channelCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create or overwrite a channel",
	Args:  cobra.ExactArgs(1),
	RunE: withBus("cmd.channel", func(ctx context.Context, mb *bus.MessageBus, out io.Writer, args []string) error {
		return createChannel(ctx, mb.Registry(), out, args[0], channelOptions())
	}),
}

var channelDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a channel and its stored messages",
	Args:  cobra.ExactArgs(1),
	RunE: withBus("cmd.channel", func(ctx context.Context, mb *bus.MessageBus, out io.Writer, args []string) error {
		return deleteChannel(ctx, mb, out, args[0])
	}),
}

var channelSendCmd = &cobra.Command{
	Use:   "send <name> <text...>",
	Short: "Send a message to a channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: withBus("cmd.channel", func(ctx context.Context, mb *bus.MessageBus, out io.Writer, args []string) error {
		data, err := sendPayload(strings.Join(args[1:], " "), channelSendJSON, mb.Sender())
		if err != nil {
			return err
		}
		id, err := mb.Send(ctx, args[0], data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "Sent %s to #%s\n", id, args[0])
		return err
	}),
}

var channelTailCmd = &cobra.Command{
	Use:   "tail <name>",
	Short: "Print messages of a channel as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: withBus("cmd.channel", func(ctx context.Context, mb *bus.MessageBus, out io.Writer, args []string) error {
		if channelTailPeek {
			return peekChannel(ctx, mb, out, args[0])
		}
		return tailChannel(ctx, mb, out, args[0])
	}),
}

func init() {
	rootCmd.AddCommand(channelCmd)
	channelCmd.AddCommand(channelListCmd, channelCreateCmd, channelDeleteCmd, channelSendCmd, channelTailCmd)

	channelCreateCmd.Flags().StringVarP(&channelDescription, "description", "d", "", "channel description")
	channelCreateCmd.Flags().IntVarP(&channelMaxMessages, "max-messages", "m", 0, "messages kept before the oldest is evicted")
	channelCreateCmd.Flags().DurationVar(&channelTTL, "ttl", 0, "message retention, e.g. 5m")
	channelCreateCmd.Flags().BoolVarP(&channelPersistent, "persistent", "p", true, "keep the channel across restarts")

	channelSendCmd.Flags().BoolVar(&channelSendJSON, "json", false, "send the text as raw JSON data")
	channelTailCmd.Flags().BoolVar(&channelTailPeek, "peek", false, "print the stored backlog without consuming it and exit")
}

// withBus opens the configured store and bus around fn.
func withBus(component string, fn func(ctx context.Context, mb *bus.MessageBus, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, closeLog, err := loadRuntime(component, false)
		if err != nil {
			return err
		}
		defer closeLog()

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := openBus(runCtx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		return fn(runCtx, rt.bus, cmd.OutOrStdout(), args)
	}
}

func channelOptions() []channel.Option {
	opts := []channel.Option{channel.WithPersistent(channelPersistent)}
	if channelDescription != "" {
		opts = append(opts, channel.WithDescription(channelDescription))
	}
	if channelMaxMessages > 0 {
		opts = append(opts, channel.WithMaxMessages(channelMaxMessages))
	}
	if channelTTL > 0 {
		opts = append(opts, channel.WithTTL(channelTTL))
	}
	return opts
}

func listChannels(ctx context.Context, registry *channel.Registry, out io.Writer) error {
	summaries, err := registry.List(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(out, "No channels.")
		return err
	}

	for _, s := range summaries {
		description := s.Description
		if description == "" {
			description = "No description"
		}
		if _, err := fmt.Fprintf(out, "%s (%d messages) - %s\n", s.Name, s.MessageCount, description); err != nil {
			return err
		}
	}
	return nil
}

func createChannel(ctx context.Context, registry *channel.Registry, out io.Writer, name string, opts []channel.Option) error {
	cfg, err := registry.Create(ctx, name, opts...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "Channel '%s' created (max %d messages, ttl %s).\n",
		cfg.Name, cfg.MaxMessages, time.Duration(cfg.TTL)*time.Millisecond)
	return err
}

func deleteChannel(ctx context.Context, mb *bus.MessageBus, out io.Writer, name string) error {
	if err := mb.DeleteChannel(ctx, name); err != nil {
		return fmt.Errorf("could not delete channel '%s': %w", name, err)
	}
	_, err := fmt.Fprintf(out, "Channel '%s' deleted.\n", name)
	return err
}

// sendPayload builds the message data: a chat message by default, or the
// text itself when it is raw JSON.
func sendPayload(text string, raw bool, sender string) (any, error) {
	if !raw {
		return console.ChatMessage{Text: text, From: sender}, nil
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("message is not valid JSON: %s", text)
	}
	return json.RawMessage(text), nil
}

func peekChannel(ctx context.Context, mb *bus.MessageBus, out io.Writer, name string) error {
	messages, err := mb.Messages(ctx, name)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if _, err := fmt.Fprintln(out, console.FormatMessage(msg)); err != nil {
			return err
		}
	}
	return nil
}

// tailChannel prints delivered messages until ctx is done.
func tailChannel(ctx context.Context, mb *bus.MessageBus, out io.Writer, name string) error {
	if err := channel.ValidateName(name); err != nil {
		return err
	}

	unsubscribe := mb.OnMessage(name, func(msg bus.Message) {
		_, _ = fmt.Fprintln(out, console.FormatMessage(msg))
	})
	defer unsubscribe()

	<-ctx.Done()
	return nil
}
