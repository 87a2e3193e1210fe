package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/aeolun/teamchat/cmd/chatsync/ui"
	"github.com/aeolun/teamchat/pkg/client"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <channel> [channel...]",
	Short: "Follow one or more channels",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(args)
	},
}

func runWatch(channels []string) error {
	cfg, err := client.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := openLogger(logPath)
	if err != nil {
		return err
	}
	defer closeLog()

	statePath, err := client.ExpandPath(cfg.Client.StatePath)
	if err != nil {
		return err
	}
	state, err := client.OpenState(statePath)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	defer state.Close()
	defer func() {
		if err := state.UpdateLastSeenTimestamp(); err != nil {
			logger.Printf("Failed to record last seen: %v", err)
		}
	}()

	metrics := client.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.Client.MetricsAddr != "" {
		go serveMetrics(cfg.Client.MetricsAddr, logger)
	}

	header := http.Header{}
	if cfg.Server.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.Server.AuthToken)
	}
	conn := client.NewConnection(cfg.Server.WSURL,
		client.WebSocketDialer(cfg.Server.WSURL, header, cfg.HandshakeTimeout()),
		cfg.ConnectionOptions())
	conn.SetLogger(logger)
	conn.SetMetrics(metrics)
	defer conn.Close()

	sinks := &ui.Sinks{}
	sess := client.NewSession(conn, client.SessionConfig{
		LocalUserID: cfg.Client.UserID,
		History:     client.NewHTTPHistory(cfg.Server.HistoryURL, cfg.Server.AuthToken, cfg.HandshakeTimeout()),
		Typing:      sinks,
		Diagnostics: sinks,
		State:       state,
		Metrics:     metrics,
		Logger:      logger,
	})

	model := ui.NewModel(sess, channels, "", logger)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	sinks.Attach(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("Session loop stopped: %v", err)
		}
	}()

	// Observers call p.Send, which blocks until the program is running, so
	// startup happens off the main goroutine.
	go start(ctx, sess, conn, p, channels, logger)

	logger.Printf("Starting TUI for %v", channels)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("ui: %w", err)
	}
	return nil
}

func start(ctx context.Context, sess *client.Session, conn *client.Connection, p *tea.Program, channels []string, logger *log.Logger) {
	err := sess.ObserveConnection(ctx, func(update client.ConnectionStateUpdate) {
		p.Send(ui.ConnectionMsg{Update: update})
	})
	if err != nil {
		p.Send(ui.ErrorMsg{Err: err})
		return
	}

	if _, _, err := sess.SetDesiredChannels(ctx, channels); err != nil {
		p.Send(ui.ErrorMsg{Err: err})
		return
	}
	// Only the first channel starts on screen
	for _, ch := range channels[1:] {
		if err := sess.SetLastVisible(ctx, ch, false); err != nil {
			p.Send(ui.ErrorMsg{Err: err})
			return
		}
	}
	for _, ch := range channels {
		ch := ch
		if _, err := sess.Observe(ctx, ch, func(update client.ChannelUpdate) {
			p.Send(ui.ChannelUpdateMsg{Update: update})
		}); err != nil {
			p.Send(ui.ErrorMsg{Err: err})
			return
		}
	}

	// A failed first dial hands over to the reconnect loop
	if err := conn.Connect(ctx); err != nil {
		logger.Printf("Initial connect failed: %v", err)
	}

	for _, ch := range channels {
		go func(ch string) {
			fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := sess.Bootstrap(fetchCtx, ch); err != nil {
				logger.Printf("Bootstrap failed: %v", err)
				p.Send(ui.ErrorMsg{Err: err})
			}
		}(ch)
	}
}

func serveMetrics(addr string, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Printf("Serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("Metrics server stopped: %v", err)
	}
}
