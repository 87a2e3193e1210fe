package main

import (
	"fmt"
	"io"
	"log"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/teamchat/pkg/client"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logPath    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Real-time team chat channel viewer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := client.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.Server.AuthToken != "" {
			cfg.Server.AuthToken = "********"
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"~/.teamchat/config.toml", "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&logPath, "log",
		"", "Write debug logs to this file")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

// openLogger returns a logger writing to path, or one that discards
// everything when path is empty. The TUI owns the terminal, so logs never
// go to stderr.
func openLogger(path string) (*log.Logger, func(), error) {
	if path == "" {
		return log.New(io.Discard, "", 0), func() {}, nil
	}

	expanded, err := client.ExpandPath(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := tea.LogToFile(expanded, "chatsync")
	if err != nil {
		return nil, nil, fmt.Errorf("could not open log file: %w", err)
	}
	logger := log.New(f, "chatsync ", log.LstdFlags|log.Lmicroseconds)
	return logger, func() { f.Close() }, nil
}
