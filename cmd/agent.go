package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"devopschat/pkg/agent"
	"devopschat/pkg/config"
	"devopschat/pkg/gateway"

	"github.com/spf13/cobra"
)

const pageLoadTimeout = 30 * time.Second

var (
	agentSession string
	agentPageURL string
	agentFile    string
	agentPort    int
)

// agentCmd represents the agent command
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve a page agent over WebSocket RPC",
	Long:  "Loads a page from a URL, a local file or a blank document and serves its agent operations on the gateway /rpc endpoint.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, closeLog, err := loadRuntime("cmd.agent", false)
		if err != nil {
			fmt.Println(err)
			return
		}
		defer closeLog()
		applyAgentFlags(cfg)

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		page, err := loadPage(runCtx, cfg.Agent)
		if err != nil {
			log.Error("Failed to load page", "error", err)
			return
		}

		session := resolveSession(cfg.Agent.Session)
		a := agent.New(page, agent.Options{Session: session, Logger: log})

		svc, err := gateway.NewService(cfg, a, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Agent started", "session", session, "page", page.URL(), "addr", svc.Addr(), "trusted_origins", cfg.Agent.TrustedOrigins)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Agent gateway failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVarP(&agentSession, "session", "s", "", "session name announced to consoles (default: hostname)")
	agentCmd.Flags().StringVar(&agentPageURL, "url", "", "fetch the page from this URL")
	agentCmd.Flags().StringVar(&agentFile, "file", "", "load the page from a local HTML file")
	agentCmd.Flags().IntVarP(&agentPort, "port", "p", 0, "gateway port (default from config)")
}

// applyAgentFlags lets command-line flags win over the config file.
func applyAgentFlags(cfg *config.Config) {
	if value := strings.TrimSpace(agentSession); value != "" {
		cfg.Agent.Session = value
	}
	if value := strings.TrimSpace(agentPageURL); value != "" {
		cfg.Agent.PageURL = value
		cfg.Agent.PageFile = ""
	}
	if value := strings.TrimSpace(agentFile); value != "" {
		cfg.Agent.PageFile = value
		cfg.Agent.PageURL = ""
	}
	if agentPort > 0 {
		cfg.Gateway.Port = agentPort
	}
}

func resolveSession(configured string) string {
	if value := strings.TrimSpace(configured); value != "" {
		return value
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "agent"
	}
	return hostname
}

// loadPage prefers a local file, then a URL, then a blank document.
func loadPage(ctx context.Context, cfg config.AgentConfig) (*agent.Page, error) {
	switch {
	case cfg.PageFile != "":
		return agent.LoadFile(cfg.PageFile)
	case cfg.PageURL != "":
		ctx, cancel := context.WithTimeout(ctx, pageLoadTimeout)
		defer cancel()
		return agent.LoadURL(ctx, nil, cfg.PageURL)
	default:
		return agent.NewPage("", "about:blank")
	}
}
