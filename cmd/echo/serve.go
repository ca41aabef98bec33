package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	rpc "github.com/Lubby-ch/protorpc-channel"
	"github.com/Lubby-ch/protorpc-channel/registry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

type serveFlags struct {
	tcp         string
	http        string
	registry    string
	advertise   string
	concurrency int
	timeout     time.Duration
}

var sflags serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve Echo on TCP, WebSocket and HTTP/2",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&sflags.tcp, "tcp", "127.0.0.1:10000", "duplex TCP listen address")
	serveCmd.Flags().StringVar(&sflags.http, "http", "127.0.0.1:10001", "HTTP listen address for /ws and HTTP/2 calls")
	serveCmd.Flags().StringVar(&sflags.registry, "registry", "", "registry URL to announce endpoints to; serves one on the HTTP listener when empty")
	serveCmd.Flags().StringVar(&sflags.advertise, "advertise", "127.0.0.1", "host announced to the registry")
	serveCmd.Flags().IntVar(&sflags.concurrency, "concurrency", 64, "handlers running at once")
	serveCmd.Flags().DurationVar(&sflags.timeout, "handle-timeout", 5*time.Second, "handler timeout for calls without one")
}

func serve(ctx context.Context) error {
	server := rpc.NewServer(
		rpc.WithServerLogger(log),
		rpc.WithMaxConcurrency(sflags.concurrency),
		rpc.WithHandleTimeout(sflags.timeout),
	)
	if err := server.Register(&Echo{log: log}); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", sflags.tcp)
	if err != nil {
		return err
	}
	hlis, err := net.Listen("tcp", sflags.http)
	if err != nil {
		lis.Close()
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", server.WebSocketHandler())
	mux.Handle("/", server.HTTP2Handler())
	registryURL := sflags.registry
	if registryURL == "" {
		registry.NewRegistry(0, log).HandleHTTP(mux, registry.DefaultPath)
		registryURL = "http://" + hlis.Addr().String() + registry.DefaultPath
	}
	// prior-knowledge HTTP/2 requests arrive as "PRI *", which the mux would not route
	hs := &http.Server{Handler: h2c.NewHandler(mux, &http2.Server{}), ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving duplex", zap.Stringer("addr", lis.Addr()))
		return server.Accept(ctx, lis)
	})
	g.Go(func() error {
		log.Info("serving http", zap.Stringer("addr", hlis.Addr()))
		if err := hs.Serve(hlis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	g.Go(func() error {
		endpoints := []string{
			fmt.Sprintf("tcp://%s:%d", sflags.advertise, lis.Addr().(*net.TCPAddr).Port),
			fmt.Sprintf("ws://%s:%d/ws", sflags.advertise, hlis.Addr().(*net.TCPAddr).Port),
			fmt.Sprintf("http://%s:%d/", sflags.advertise, hlis.Addr().(*net.TCPAddr).Port),
		}
		// the HTTP listener may not be serving yet when the registry is local
		for {
			err := registry.Heartbeat(ctx, registryURL, endpoints, 0, log)
			if err == nil {
				log.Info("announced endpoints", zap.Strings("endpoints", endpoints), zap.String("registry", registryURL))
				return nil
			}
			log.Warn("announce failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	})
	return g.Wait()
}
