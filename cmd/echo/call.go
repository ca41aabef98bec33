package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	rpc "github.com/Lubby-ch/protorpc-channel"
	"github.com/Lubby-ch/protorpc-channel/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type callFlags struct {
	endpoint    string
	registry    string
	timeout     time.Duration
	headers     map[string]string
	workers     int
	requests    int
	metricsAddr string
}

var cflags callFlags

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Call a running Echo server",
}

var sayCmd = &cobra.Command{
	Use:   "say MESSAGE",
	Short: "Single-response call to Echo.Say",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, client *rpc.Client) error {
			var reply wrapperspb.StringValue
			if err := client.Call(ctx, "Echo.Say", wrapperspb.String(args[0]), &reply, callOptions()); err != nil {
				return err
			}
			fmt.Println(reply.Value)
			return nil
		})
	},
}

var noteCmd = &cobra.Command{
	Use:   "note MESSAGE",
	Short: "No-response call to Echo.Note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, client *rpc.Client) error {
			return client.Notify(ctx, "Echo.Note", wrapperspb.String(args[0]), callOptions())
		})
	},
}

var countCmd = &cobra.Command{
	Use:   "count N",
	Short: "Streaming call to Echo.Count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var n int32
		if _, err := fmt.Sscan(args[0], &n); err != nil {
			return fmt.Errorf("bad count %q: %w", args[0], err)
		}
		return withClient(cmd.Context(), func(ctx context.Context, client *rpc.Client) error {
			stream, err := client.Stream(ctx, "Echo.Count", wrapperspb.Int32(n), callOptions())
			if err != nil {
				return err
			}
			defer stream.Close()
			var msg wrapperspb.Int32Value
			for {
				if err := stream.Recv(&msg); err != nil {
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				fmt.Println(msg.Value)
			}
		})
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run concurrent Echo.Say calls on one channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		metrics, err := rpc.NewMetrics(reg, "echo")
		if err != nil {
			return err
		}
		opt, err := channelOption()
		if err != nil {
			return err
		}
		opt.Metrics = metrics
		if cflags.metricsAddr != "" {
			ms := &http.Server{Addr: cflags.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 10 * time.Second}
			go ms.ListenAndServe()
			defer ms.Close()
		}
		var rejected atomic.Int64
		return withClientOption(cmd.Context(), opt, func(ctx context.Context, client *rpc.Client) error {
			start := time.Now()
			g, ctx := errgroup.WithContext(ctx)
			for w := 0; w < cflags.workers; w++ {
				w := w
				g.Go(func() error {
					var reply wrapperspb.StringValue
					for i := 0; i < cflags.requests; i++ {
						msg := fmt.Sprintf("worker %d request %d", w, i)
						err := client.Call(ctx, "Echo.Say", wrapperspb.String(msg), &reply, callOptions())
						if errors.Is(err, rpc.ErrTooManyRequests) {
							rejected.Add(1)
							continue
						}
						if err != nil {
							return err
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			elapsed := time.Since(start)
			total := cflags.workers * cflags.requests
			log.Info("bench done",
				zap.Int("requests", total),
				zap.Duration("elapsed", elapsed),
				zap.Int64("rejected", rejected.Load()),
				zap.Float64("qps", float64(total)/elapsed.Seconds()))
			return nil
		})
	},
}

func init() {
	callCmd.PersistentFlags().StringVarP(&cflags.endpoint, "endpoint", "e", "", "server URL (tcp://, ws://, http://)")
	callCmd.PersistentFlags().StringVar(&cflags.registry, "registry", "", "registry URL to discover the server from")
	callCmd.PersistentFlags().DurationVar(&cflags.timeout, "timeout", rpc.DefaultRPCTimeout, "per-call timeout")
	callCmd.PersistentFlags().StringToStringVarP(&cflags.headers, "header", "H", nil, "request headers")
	benchCmd.Flags().IntVar(&cflags.workers, "workers", 8, "concurrent callers")
	benchCmd.Flags().IntVar(&cflags.requests, "requests", 1000, "calls per worker")
	benchCmd.Flags().StringVar(&cflags.metricsAddr, "metrics-addr", "", "serve channel metrics on this address while running")

	callCmd.AddCommand(sayCmd, noteCmd, countCmd, benchCmd)
}

func callOptions() *rpc.CallOptions {
	return &rpc.CallOptions{Timeout: cflags.timeout, Headers: cflags.headers}
}

func channelOption() (*rpc.Option, error) {
	opt := *rpc.DefaultOption
	if flags.config != "" {
		loaded, err := rpc.LoadOption(flags.config)
		if err != nil {
			return nil, err
		}
		opt = *loaded
	}
	opt.Logger = log
	return &opt, nil
}

func withClient(ctx context.Context, fn func(context.Context, *rpc.Client) error) error {
	opt, err := channelOption()
	if err != nil {
		return err
	}
	return withClientOption(ctx, opt, fn)
}

func withClientOption(ctx context.Context, opt *rpc.Option, fn func(context.Context, *rpc.Client) error) error {
	endpoint := cflags.endpoint
	if endpoint == "" {
		if cflags.registry == "" {
			return errors.New("one of --endpoint or --registry is required")
		}
		endpoints, err := registry.Discover(ctx, cflags.registry)
		if err != nil {
			return err
		}
		endpoint = endpoints[0]
		log.Debug("discovered endpoint", zap.String("endpoint", endpoint))
	}
	client, err := rpc.Dial(ctx, endpoint, echoMethods, opt)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}
