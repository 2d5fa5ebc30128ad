package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/progrium/qlink-go/config"
	"github.com/progrium/qlink-go/link"
	"github.com/progrium/qlink-go/metrics"
	"github.com/progrium/qlink-go/mux"
	"github.com/progrium/qlink-go/secure"
	"github.com/progrium/qlink-go/transport"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "serve <endpoint>",
		Short: "Accept sessions on endpoint and echo every channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg, "qlink")

			l, err := link.Listen(args[0], cfg, link.WithLogger(log), link.WithMetrics(m))
			if err != nil {
				return err
			}
			defer l.Close()
			if addr := l.Addr(); addr != nil {
				log.Info("listening", zap.String("addr", addr.String()))
			}

			if httpAddr != "" {
				srv := &http.Server{
					Addr:              httpAddr,
					Handler:           httpHandler(ctx, cfg, log, reg, m),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("http server failed", zap.Error(err))
						stop()
					}
				}()
				defer srv.Close()
				log.Info("serving http", zap.String("addr", httpAddr))
			}

			for {
				sess, err := l.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				go echoSession(ctx, sess, log)
			}
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "address for the HTTP server with /metrics and /ws")
	return cmd
}

// httpHandler serves Prometheus metrics and accepts sessions over
// WebSocket upgrades.
func httpHandler(ctx context.Context, cfg config.Config, log *zap.Logger, reg *prometheus.Registry, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Handle("/ws", transport.WebSocketHandler(func(rwc io.ReadWriteCloser) {
		sess, err := mux.New(ctx, rwc, secure.Responder, cfg, mux.WithLogger(log), mux.WithMetrics(m))
		if err != nil {
			log.Info("handshake failed", zap.Error(err))
			return
		}
		echoSession(ctx, sess, log)
	}))
	return r
}

// echoSession writes back everything received on each channel of sess
// until the session ends or ctx is cancelled.
func echoSession(ctx context.Context, sess *mux.Session, log *zap.Logger) {
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()
	for {
		ch, err := sess.Accept(ctx)
		if err != nil {
			if err := sess.Wait(); err != nil {
				log.Debug("session ended", zap.String("session", sess.ID()), zap.Error(err))
			}
			return
		}
		go func() {
			if _, err := io.Copy(ch, ch); err != nil {
				ch.Reset(err.Error())
				return
			}
			ch.Close()
		}()
	}
}
