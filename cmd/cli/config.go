package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashutoshrp06/brainstream/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or edit configuration",
	Long:  "View current configuration or create a default config file.",
	Run:   runConfig,
}

var (
	configInit bool
	configShow bool
	configHome bool
)

func init() {
	configCmd.Flags().BoolVar(&configInit, "init", false, "Create default config file")
	configCmd.Flags().BoolVar(&configShow, "show", true, "Show current configuration")
	configCmd.Flags().BoolVar(&configHome, "home", false, "With --init, write to ~/.brainstream/config.yaml")
}

func runConfig(cmd *cobra.Command, args []string) {
	if configInit {
		initConfig()
		return
	}

	// Only show config when --show is true (default) or explicitly set
	if configShow {
		showConfig()
	}
}

func initConfig() {
	path := "config.yaml"
	if configHome {
		dir, err := config.ConfigDir()
		if err != nil {
			printError("Failed to locate home directory", err)
			os.Exit(1)
		}
		path = filepath.Join(dir, "config.yaml")
	}

	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		fmt.Println(lipgloss.NewStyle().Foreground(theme.Warning).
			Render(path + " already exists. Use --show to view it."))
		return
	}

	// Create default config
	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		fmt.Println(lipgloss.NewStyle().Foreground(theme.Error).
			Render(fmt.Sprintf("Failed to create config: %v", err)))
		os.Exit(1)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(theme.Success).
		Render("Created " + path + " with default settings."))
	fmt.Println("\nEdit this file to configure:")
	fmt.Println("  - API base URL and token")
	fmt.Println("  - Default mode and retry policy")
	fmt.Println("  - Chat parameters and agent capabilities")
	fmt.Println("  - Image provider and model")
}

func showConfig() {
	cfg, err := loadConfig()
	if err != nil {
		cfg = config.DefaultConfig()
		fmt.Println(lipgloss.NewStyle().Foreground(theme.Warning).
			Render(fmt.Sprintf("Could not load config (%v). Showing defaults:\n", err)))
	} else {
		fmt.Println(lipgloss.NewStyle().Foreground(theme.Secondary).Bold(true).
			Render("Current Configuration:\n"))
	}

	// Never echo the credential.
	if cfg.API.Token != "" {
		cfg.API.Token = "********"
	}

	// Pretty print config
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println(string(data))

	// Show config file locations
	fmt.Println(lipgloss.NewStyle().Foreground(theme.TextDim).
		Render("\nConfig file locations (in order of precedence):"))
	fmt.Println("  1. --config <path>")
	fmt.Println("  2. ./config.local.yaml")
	fmt.Println("  3. ./config.yaml")
	fmt.Println("  4. ~/.brainstream/config.yaml")
	fmt.Println(lipgloss.NewStyle().Foreground(theme.TextDim).
		Render("\nEnvironment variables override any file, e.g. " + config.EnvPrefix + "_API_TOKEN."))
}
