package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/progrium/dtalk-go/internal/env"
	"github.com/progrium/dtalk-go/talk"
)

var (
	configPath string
	logLevel   string
	network    string
	addr       string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:          "dtalk",
		Long:         `dtalk is a utility for working with delimiter-framed JSON message channels`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "TOML config file")
	flags.StringVar(&logLevel, "log-level", "", "log level, overrides the config")
	flags.StringVarP(&network, "transport", "t", "", "transport: tcp, unix, ws, quic or stdio")
	flags.StringVarP(&addr, "addr", "a", "", "address to listen on or dial")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the peer")

	root.AddCommand(serveCmd, callCmd, sendCmd, checkCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config, applies the persistent flags over it and builds
// the logger.
func setup(cmd *cobra.Command) (*env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(cmd.Context(), configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	if network != "" {
		conf.Transport = network
	}
	if addr != "" {
		conf.Addr = addr
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return conf, log, nil
}

func connOptions(conf *env.Config, log *zap.Logger) []talk.Option {
	return []talk.Option{
		talk.WithLogger(log),
		talk.WithReadBufferSize(conf.ReadBufferSize),
	}
}

// dial connects as the non-accepting side and waits for the delimiter.
func dial(ctx context.Context, conf *env.Config, log *zap.Logger) (*talk.Conn, error) {
	conn, err := talk.Dial(conf.Transport, conf.Addr, connOptions(conf, log.Named("conn"))...)
	if err != nil {
		return nil, err
	}
	return start(ctx, conn)
}

func start(ctx context.Context, conn *talk.Conn) (*talk.Conn, error) {
	go conn.Serve()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-conn.Ready():
		return conn, nil
	case <-conn.Done():
		return nil, talk.ErrClosed
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("waiting for delimiter: %w", ctx.Err())
	}
}
