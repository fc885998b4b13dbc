package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fielddispatch/internal/api"
	"github.com/kalambet/fielddispatch/internal/bandit"
	"github.com/kalambet/fielddispatch/internal/config"
	"github.com/kalambet/fielddispatch/internal/dispatch"
	"github.com/kalambet/fielddispatch/internal/intent"
	"github.com/kalambet/fielddispatch/internal/llm"
	"github.com/kalambet/fielddispatch/internal/queue"
	"github.com/kalambet/fielddispatch/internal/respond"
	"github.com/kalambet/fielddispatch/internal/speech"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		withWorker, _ := cmd.Flags().GetBool("worker")
		return runServer(withMCP, withWorker)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued utterances and dispatch them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
	serveCmd.Flags().Bool("worker", true, "consume the queue in this process; pass --worker=false when dedicated workers share the queue")
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openTransport opens the queue backend selected by queue.driver.
func openTransport(ctx context.Context, cfg config.QueueConfig) (queue.Transport, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		return queue.OpenRedis(ctx, cfg.RedisURL, queue.RedisConfig{
			Stream:    cfg.Name,
			DLQStream: cfg.DLQName,
			Consumer:  consumerName(),
		})
	default:
		return queue.OpenSQLite(cfg.SQLitePath, cfg.Name, cfg.DLQName)
	}
}

// consumerName is the Redis consumer-group member name, one per host.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return "worker-" + host
}

// newChatter builds the model client for llm.provider. Local models are
// pulled when missing.
func newChatter(ctx context.Context, cfg config.LLMConfig) (llm.Chatter, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return llm.NewOpenAI(cfg.APIKey, cfg.Endpoint())
	default:
		client := llm.NewOllama(cfg.Endpoint())
		printStep("Checking models at %s...", cfg.Endpoint())
		if err := client.EnsureModels(ctx, stderr, cfg.IntentModel, cfg.ResponseModel); err != nil {
			return nil, err
		}
		return client, nil
	}
}

func speechOptions(cfg config.SpeechConfig) speech.Options {
	rate, err := speech.ParseRate(cfg.Rate)
	if err != nil {
		slog.Warn("invalid speech rate, using default", "value", cfg.Rate, "error", err)
		rate = speech.RateDefault
	}
	return speech.Options{Voice: cfg.Voice, Rate: rate}
}

// newService wires the dispatch service from config. sender may be nil.
func newService(cfg config.Config, chatter llm.Chatter, sender queue.Sender, dev dispatch.Devices) (*dispatch.Service, error) {
	return dispatch.New(dispatch.Options{
		Selector:  bandit.NewSelector(cfg.Bandit.Epsilon, cfg.Bandit.Window),
		Extractor: intent.NewExtractor(chatter, cfg.LLM.IntentModel),
		Generator: respond.NewGenerator(chatter, cfg.LLM.ResponseModel),
		Sender:    sender,
		Devices:   dev,
		Capture:   speech.CaptureConfig{MaxRetries: cfg.Speech.MaxRetries, Timeout: cfg.Speech.Timeout},
		Voice:     speechOptions(cfg.Speech),
	})
}

func newConsumer(transport queue.Transport, svc *dispatch.Service, cfg config.QueueConfig) *queue.Consumer {
	return queue.NewConsumer(transport, func(ctx context.Context, env queue.Envelope) error {
		_, err := svc.ProcessEnvelope(ctx, env)
		return err
	}, queue.ConsumerConfig{BatchSize: cfg.BatchSize, Wait: cfg.Wait})
}

func runServer(withMCP, withWorker bool) error {
	fmt.Fprintln(stderr, versionLine())

	cfg, err := config.Load("server")
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Server.APIToken == "" {
		printWarning("server.api_token is empty, API authentication is disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chatter, err := newChatter(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	transport, err := openTransport(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			printWarning("closing queue: %v", err)
		}
	}()

	svc, err := newService(cfg, chatter, transport, dispatch.Devices{})
	if err != nil {
		return err
	}

	handler := api.NewAppHandler(api.AppDeps{
		Service: svc,
		Queue:   transport,
		Token:   cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(stderr, "fielddispatch listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withWorker {
		consumer := newConsumer(transport, svc, cfg.Queue)
		g.Go(func() error {
			slog.Info("queue worker started", "driver", cfg.Queue.Driver, "queue", cfg.Queue.Name)
			return consumer.Run(gctx)
		})
	} else {
		printWarning("queue consumer disabled; handled utterances stay on %s until a worker acks them", cfg.Queue.Name)
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: svc, Queue: transport}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

func runWorker() error {
	fmt.Fprintln(stderr, versionLine())

	cfg, err := config.Load("worker")
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chatter, err := newChatter(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	transport, err := openTransport(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer transport.Close()

	svc, err := newService(cfg, chatter, nil, dispatch.Devices{})
	if err != nil {
		return err
	}

	consumer := newConsumer(transport, svc, cfg.Queue)
	slog.Info("queue worker started", "driver", cfg.Queue.Driver, "queue", cfg.Queue.Name)

	return consumer.Run(ctx)
}
