package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/progrium/dtalk-go/fn"
	"github.com/progrium/dtalk-go/internal/env"
	"github.com/progrium/dtalk-go/interop"
	"github.com/progrium/dtalk-go/talk"
	"github.com/progrium/dtalk-go/transport"
)

var (
	echo     bool
	httpAddr string
)

func init() {
	flags := serveCmd.Flags()
	flags.BoolVar(&echo, "echo", false, "send every received value back to its sender")
	flags.StringVar(&httpAddr, "http-addr", "", "address for the HTTP status endpoints, overrides the config")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "accept connections and serve the interop service",
	Long: `Accept connections and serve the interop service

Usage
	dtalk serve --transport tcp --addr 127.0.0.1:7363

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		conf, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		if cmd.Flags().Changed("echo") {
			conf.Echo = echo
		}
		if httpAddr != "" {
			conf.HTTPAddr = httpAddr
		}

		l, err := listen(conf)
		if err != nil {
			return err
		}

		srv := &talk.Server{
			Handler:     fn.HandlerFrom(interop.Service{}),
			Log:         log.Named("server"),
			ConnOptions: []talk.Option{talk.WithReadBufferSize(conf.ReadBufferSize)},
		}
		srv.OnConn = func(c *talk.Conn) {
			if conf.Echo {
				c.OnValue(func(v interface{}) {
					if err := c.Send(v); err != nil {
						log.Warn("Failed to echo value", zap.String("conn", c.ID()), zap.Error(err))
					}
				})
			}
			if conf.Transport == "stdio" {
				// stdio carries a single connection
				c.OnClose(func(error) { cancel() })
			}
		}

		var s *http.Server
		if conf.HTTPAddr != "" && conf.Transport != "stdio" {
			s = &http.Server{
				Addr:    conf.HTTPAddr,
				Handler: statusRouter(srv, conf.DebugHTTP, log.Named("http")),
			}
			go func() {
				if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Http server errored", zap.Error(err))
				}
			}()
		}

		served := make(chan error, 1)
		go func() {
			served <- srv.Serve(l)
		}()

		log.Info("Listening",
			zap.String("transport", conf.Transport),
			zap.String("addr", conf.Addr),
			zap.String("httpAddr", conf.HTTPAddr),
			zap.Bool("echo", conf.Echo))

		select {
		case <-ctx.Done():
			log.Info("Shutting down")
		case err = <-served:
			if err != nil {
				log.Error("Listener failed", zap.Error(err))
			}
		}

		if s != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.SetKeepAlivesEnabled(false)
			if err := s.Shutdown(shutdownCtx); err != nil {
				log.Error("Http server forced to shutdown", zap.Error(err))
			}
		}

		if cerr := srv.Close(); cerr != nil {
			log.Warn("Server did not close cleanly", zap.Error(cerr))
		}
		log.Info("Exiting")
		return err
	},
}

func listen(conf *env.Config) (transport.Listener, error) {
	if conf.Transport == "tcp" {
		l, err := transport.ListenTCP(conf.Addr, conf.Reuseport)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	return talk.Listen(conf.Transport, conf.Addr)
}

func statusRouter(srv *talk.Server, debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	r.GET("/conns", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"conns": srv.Conns()})
	})
	return r
}
