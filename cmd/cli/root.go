package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ashutoshrp06/brainstream/internal/config"
	"github.com/ashutoshrp06/brainstream/internal/engine"
	"github.com/ashutoshrp06/brainstream/internal/history"
	"github.com/ashutoshrp06/brainstream/internal/image"
	"github.com/ashutoshrp06/brainstream/internal/types"
	"github.com/ashutoshrp06/brainstream/internal/ui"
)

var theme = ui.DefaultTheme()

var (
	configPath     string
	verbose        bool
	interactive    bool
	conversationID string
	legacyOutput   bool
	traceSpans     bool
)

var rootCmd = &cobra.Command{
	Use:   "brainstream [message]",
	Short: "Streaming chat and agent client",
	Long: `
██████╗ ██████╗  █████╗ ██╗███╗   ██╗
██╔══██╗██╔══██╗██╔══██╗██║████╗  ██║
██████╔╝██████╔╝███████║██║██╔██╗ ██║
██╔══██╗██╔══██╗██╔══██║██║██║╚██╗██║
██████╔╝██║  ██║██║  ██║██║██║ ╚████║
╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚═╝╚═╝  ╚═══╝  stream

  Streams chat and agent answers from the notes service.

Usage:
  brainstream "What did I write about the Q3 roadmap?"
  brainstream agent --capability tasks "Create a task for Friday"
  brainstream --it`,

	Run: func(cmd *cobra.Command, args []string) {
		if interactive {
			runInteractive()
			return
		}
		if len(args) > 0 {
			runOneShot(cmd, "", args)
			return
		}
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolVar(&interactive, "it", false, "Start interactive mode")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&conversationID, "conversation", "c", "", "Conversation ID (a new one is generated when empty)")
	rootCmd.PersistentFlags().BoolVar(&legacyOutput, "legacy", false, "Print the final state in the legacy JSON shape")
	rootCmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "Export OpenTelemetry spans (see tracing in config)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func runInteractive() {
	cfg := mustLoadConfig()
	logger := createFileLogger()
	defer logger.Sync()

	convID := resolveConversation(logger)
	bridge := ui.NewBridge()

	provider := startTracing(context.Background(), cfg, logger)
	defer stopTracing(provider, logger)

	eng, err := newEngine(cfg, logger, provider.Tracer(), engine.Callbacks{OnUpdate: bridge.OnUpdate})
	if err != nil {
		printError("Failed to initialize engine", err)
		os.Exit(1)
	}

	opts := ui.Options{
		NewRequest: func(content string) types.SendRequest {
			return cfg.SendRequest(convID, content)
		},
		ImageRequest: func(prompt string) image.Request {
			return imageRequest(cfg, convID, prompt)
		},
		History: history.NewManager(cfg.History.MaxTurns),
	}

	if err := ui.Run(eng, bridge, opts); err != nil {
		printError("Interactive session failed", err)
		os.Exit(1)
	}
}

// runOneShot streams a single answer to stdout. An empty mode uses the
// configured one.
func runOneShot(cmd *cobra.Command, mode types.Mode, args []string) {
	cfg := mustLoadConfig()
	if mode != "" {
		cfg.Stream.Mode = string(mode)
	}
	if len(capabilities) > 0 {
		cfg.Agent.Capabilities = capabilities
	}

	logger := createLogger()
	defer logger.Sync()

	req := cfg.SendRequest(resolveConversation(logger), strings.Join(args, " "))
	state, err := send(cmd.Context(), os.Stdout, cfg, logger, req)
	if legacyOutput {
		printLegacy(os.Stdout, state)
	}
	if err != nil {
		exitWithError(cfg, err)
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	return cfg
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromPaths(
		"config.local.yaml",
		"config.yaml",
	)
}

func resolveConversation(logger *zap.Logger) string {
	if conversationID != "" {
		return conversationID
	}
	id := uuid.NewString()
	logger.Info("Started new conversation", zap.String("conversation_id", id))
	return id
}

func createLogger() *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

// createFileLogger logs to ~/.brainstream/brainstream.log so the
// interactive screen is left alone.
func createFileLogger() *zap.Logger {
	dir, err := config.ConfigDir()
	if err != nil {
		return zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return zap.NewNop()
	}

	zc := zap.NewProductionConfig()
	if verbose {
		zc = zap.NewDevelopmentConfig()
	}
	logPath := filepath.Join(dir, "brainstream.log")
	zc.OutputPaths = []string{logPath}
	zc.ErrorOutputPaths = []string{logPath}

	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func printError(msg string, err error) {
	fmt.Println(lipgloss.NewStyle().Foreground(theme.Error).
		Render(fmt.Sprintf("Error: %s: %v", msg, err)))
}

func printConnectionHelp(cfg *config.Config) {
	helpStyle := lipgloss.NewStyle().Foreground(theme.TextDim)
	cmdStyle := lipgloss.NewStyle().Foreground(theme.Secondary)
	errStyle := lipgloss.NewStyle().Foreground(theme.Error)

	fmt.Println(errStyle.Render("Could not reach the service at " + cfg.API.BaseURL))
	fmt.Println()
	fmt.Println(helpStyle.Render("Check that the API is running, or point at another one:"))
	fmt.Println(cmdStyle.Render("  Edit config.yaml and set api.base_url"))
	fmt.Println(cmdStyle.Render("  export " + config.EnvPrefix + "_API_BASE_URL=https://..."))
}
