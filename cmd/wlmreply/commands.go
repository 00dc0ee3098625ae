package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/wlmreply"
	"github.com/glimte/wlmreply/config"
	"github.com/glimte/wlmreply/correlator"
	"github.com/glimte/wlmreply/health"
	"github.com/glimte/wlmreply/internal/rabbitmq"
	"github.com/glimte/wlmreply/responder"
	"github.com/glimte/wlmreply/transport"
)

// errNoReply makes the request command exit non-zero when the wait times out
var errNoReply = errors.New("no reply within timeout")

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// messageBody returns the joined arguments, or stdin when the only argument is "-"
func messageBody(args []string) ([]byte, error) {
	if len(args) == 1 && args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return []byte(strings.Join(args, " ")), nil
}

func newRequestCmd(flags *globalFlags) *cobra.Command {
	var (
		dest     string
		timeout  time.Duration
		expiry   bool
		priority uint8
	)

	cmd := &cobra.Command{
		Use:   "request [body...]",
		Short: "Send a request and print the reply",
		Long:  "Send a request through the gateway pool and wait for the correlated reply. Use - to read the body from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			body, err := messageBody(args)
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := wlmreply.NewClient(cfg, wlmreply.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Start(ctx); err != nil {
				return err
			}

			reply, err := client.RequestReply(ctx, transport.ParseDestination(dest), &transport.Message{
				ContentType: "text/plain",
				Body:        body,
			}, correlator.RequestOptions{
				Timeout:   timeout,
				UseExpiry: expiry,
				Priority:  priority,
			})
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if reply == nil {
				return errNoReply
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(reply.Body))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "Destination as queue or exchange/key (default: requests.destination)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Reply timeout (default: requests.timeout)")
	cmd.Flags().BoolVar(&expiry, "expiry", false, "Expire the request when the timeout passes")
	cmd.Flags().Uint8VarP(&priority, "priority", "p", 0, "Message priority 0-9")
	return cmd
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	var (
		dest          string
		ttl           time.Duration
		transactional bool
		priority      uint8
	)

	cmd := &cobra.Command{
		Use:   "send [body...]",
		Short: "Send a message without waiting for a reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			body, err := messageBody(args)
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := wlmreply.NewClient(cfg, wlmreply.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := client.Send(ctx, transport.ParseDestination(dest), &transport.Message{
				ContentType: "text/plain",
				Body:        body,
			}, wlmreply.SendOptions{
				Priority:      priority,
				TimeToLive:    ttl,
				Transactional: transactional,
			})
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "Destination as queue or exchange/key (default: requests.destination)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Message time to live (0 = never expires)")
	cmd.Flags().BoolVar(&transactional, "transactional", false, "Send on a transacted channel and commit")
	cmd.Flags().Uint8VarP(&priority, "priority", "p", 0, "Message priority 0-9")
	return cmd
}

func newRespondCmd(flags *globalFlags) *cobra.Command {
	var (
		queue string
		name  string
	)

	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Run an echo responder until interrupted",
		Long:  "Consume requests on every gateway and answer each with a description of what was received.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if queue == "" {
				queue = cfg.Responder.Queue
			}
			if queue == "" {
				queue = cfg.Requests.Destination.Name
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := wlmreply.NewClient(cfg, wlmreply.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.Respond(ctx, queue, responder.Echo(name)); err != nil {
				return err
			}
			logger.Info("responding, press Ctrl+C to stop", "queue", queue)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Request queue (default: responder.queue)")
	cmd.Flags().StringVar(&name, "name", "wlmreply", "Responder name echoed in replies")
	return cmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		respondOn []string
		addr      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reply listener with metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Metrics.Addr = addr
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := wlmreply.NewClient(cfg, wlmreply.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Start(ctx); err != nil {
				return err
			}
			for _, q := range respondOn {
				if _, err := client.Respond(ctx, q, responder.Echo("wlmreply")); err != nil {
					return err
				}
			}

			server := &http.Server{
				Addr:              cfg.Metrics.Addr,
				Handler:           newServeMux(cfg, client),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving metrics and health", "addr", cfg.Metrics.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringSliceVar(&respondOn, "respond", nil, "Also run an echo responder on this queue, repeatable")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: metrics.addr)")
	return cmd
}

func newServeMux(cfg *config.Config, client *wlmreply.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, client.Metrics().Handler())

	checks := health.Handler(client.HealthRegistry(), 5*time.Second)
	mux.Handle(cfg.Metrics.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client.Metrics().ObserveHealth(client.Selector().PoolKey(), client.Selector().State())
		checks.ServeHTTP(w, r)
	}))
	return mux
}

func newDeclareCmd(flags *globalFlags) *cobra.Command {
	var maxPriority uint8

	cmd := &cobra.Command{
		Use:   "declare [queues...]",
		Short: "Declare queues on every AMQP gateway",
		Long:  "Declare durable queues on every configured gateway. Without arguments the configured request, reply and responder queues are declared.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.Transport.Kind != config.TransportAMQP {
				return fmt.Errorf("declare requires the amqp transport, configured %q", cfg.Transport.Kind)
			}

			names := args
			if len(names) == 0 {
				names = configuredQueues(cfg)
			}
			queues := make([]rabbitmq.QueueDeclaration, len(names))
			for i, n := range names {
				queues[i] = rabbitmq.QueueDeclaration{Name: n, Durable: true, MaxPriority: maxPriority}
			}

			ctx, cancel := signalContext()
			defer cancel()

			t := rabbitmq.NewTransport(
				rabbitmq.WithLogger(logger),
				rabbitmq.WithDialTimeout(cfg.Transport.ConnectTimeout),
				rabbitmq.WithConnectionName(cfg.Transport.ClientName),
			)
			var failed int
			for _, ep := range cfg.Gateway.Endpoints {
				if err := t.DeclareQueues(ctx, ep, queues...); err != nil {
					failed++
					logger.Error("declare failed", "gateway", ep.String(), "error", err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: declared %s\n", ep.String(), strings.Join(names, ", "))
			}
			if failed == len(cfg.Gateway.Endpoints) {
				return errors.New("declare failed on every gateway")
			}
			return nil
		},
	}
	cmd.Flags().Uint8Var(&maxPriority, "max-priority", 9, "x-max-priority of declared queues (0 = no priorities)")
	return cmd
}

func configuredQueues(cfg *config.Config) []string {
	candidates := []string{cfg.Requests.ReplyTo, cfg.Responder.Queue}
	if cfg.Requests.Destination.Exchange == "" {
		candidates = append(candidates, cfg.Requests.Destination.Name)
	}

	var names []string
	seen := make(map[string]bool)
	for _, n := range candidates {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names
}
