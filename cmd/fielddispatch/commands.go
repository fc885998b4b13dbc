package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/fielddispatch/internal/api"
	"github.com/kalambet/fielddispatch/internal/bandit"
	"github.com/kalambet/fielddispatch/internal/config"
	"github.com/kalambet/fielddispatch/internal/dispatch"
	"github.com/kalambet/fielddispatch/internal/intent"
	"github.com/kalambet/fielddispatch/internal/job"
	"github.com/kalambet/fielddispatch/internal/speech"
	"github.com/kalambet/fielddispatch/internal/tracker"
)

// --- listen ---

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run voice interactions on the console (stdin lines in, stdout out)",
	Long: `Run voice interactions on the console. Each line read from stdin is one
utterance; confirmations are written to stdout.

Examples:
  fielddispatch listen --technician tech-42
  echo "Close the ticket for Acme Corp, billed 2 hours" | fielddispatch listen --technician tech-42 --once
  fielddispatch listen --technician tech-42 --enqueue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tech, _ := cmd.Flags().GetString("technician")
		once, _ := cmd.Flags().GetBool("once")
		enqueue, _ := cmd.Flags().GetBool("enqueue")
		if tech == "" {
			return fmt.Errorf("--technician is required")
		}
		return runListen(tech, once, enqueue)
	},
}

func init() {
	listenCmd.Flags().String("technician", "", "technician id issuing the commands")
	listenCmd.Flags().Bool("once", false, "handle a single utterance and exit")
	listenCmd.Flags().Bool("enqueue", false, "only capture and queue utterances for a worker")
}

func runListen(tech string, once, enqueue bool) error {
	cfg, err := config.Load("cli")
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mic := speech.NewConsole(os.Stdin)
	defer mic.Close()
	dev := dispatch.Devices{Recognizer: mic, Synthesizer: speech.NewSpeaker(os.Stdout)}

	if enqueue {
		transport, err := openTransport(ctx, cfg.Queue)
		if err != nil {
			return fmt.Errorf("opening queue: %w", err)
		}
		defer transport.Close()

		// Queued utterances are processed by the worker; no model is needed here.
		svc, err := dispatch.New(dispatch.Options{
			Extractor: unusedExtractor{},
			Sender:    transport,
			Capture:   speech.CaptureConfig{MaxRetries: cfg.Speech.MaxRetries, Timeout: cfg.Speech.Timeout},
		})
		if err != nil {
			return err
		}
		return enqueueLoop(ctx, svc, tech, mic, once)
	}

	// Console sessions are local: nothing consumes the queue from this
	// process, so handled utterances are not recorded on it.
	chatter, err := newChatter(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	svc, err := newService(cfg, chatter, nil, dev)
	if err != nil {
		return err
	}
	return listenLoop(ctx, svc, tech, dev, once)
}

// unusedExtractor stands in when utterances are only queued; the worker
// does the extraction.
type unusedExtractor struct{}

func (unusedExtractor) Extract(context.Context, string, map[string]any) (intent.Intent, error) {
	return intent.Intent{}, fmt.Errorf("%w: extraction runs on the worker", intent.ErrExtraction)
}

// listenLoop runs interactions until input ends, the context is cancelled
// or, with once, after the first interaction.
func listenLoop(ctx context.Context, svc *dispatch.Service, tech string, dev dispatch.Devices, once bool) error {
	for ctx.Err() == nil {
		out := svc.Handle(ctx, tech, dev)
		if errors.Is(out.Err, speech.ErrClosed) {
			return nil
		}
		if once {
			if out.Err != nil {
				return out.Err
			}
			return nil
		}
	}
	return nil
}

func enqueueLoop(ctx context.Context, svc *dispatch.Service, tech string, mic speech.Recognizer, once bool) error {
	for ctx.Err() == nil {
		env, err := svc.Enqueue(ctx, tech, mic)
		if errors.Is(err, speech.ErrClosed) {
			return nil
		}
		if err != nil {
			if once {
				return err
			}
			printError("%v", err)
			continue
		}
		printSuccess("Queued %s", env.MessageID)
		if once {
			return nil
		}
	}
	return nil
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job, technician, bandit and queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/stats")
		if err != nil {
			return err
		}

		var stats api.StatsResponse
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		printStats(stats)
		return nil
	},
}

func printStats(stats api.StatsResponse) {
	printStatus("Jobs", "%d", stats.TotalJobs)
	printStatus("Active technicians", "%d", stats.ActiveTechnicians)
	printStatus("Interactions", "%d", stats.Bandit.TotalInteractions)
	printStatus("Epsilon", "%.2f", stats.Bandit.Epsilon)

	styles := make([]string, 0, len(stats.Bandit.Arms))
	for st := range stats.Bandit.Arms {
		styles = append(styles, string(st))
	}
	sort.Strings(styles)
	for _, st := range styles {
		arm := stats.Bandit.Arms[bandit.Style(st)]
		printStatus("  "+st, "%d plays, mean reward %.3f", arm.Count, arm.MeanReward)
	}

	if stats.Queue != nil {
		printStatus("Queue", "%d pending, %d in flight, %d dead-lettered",
			stats.Queue.Pending, stats.Queue.InFlight, stats.Queue.DeadLetters)
	}
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List a technician's jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		tech, _ := cmd.Flags().GetString("technician")
		status, _ := cmd.Flags().GetString("status")
		if tech == "" {
			return fmt.Errorf("--technician is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/technicians/" + url.PathEscape(tech) + "/jobs"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var jobs []job.Job
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Fprintln(stdout, "No jobs found.")
			return nil
		}
		for _, j := range jobs {
			fmt.Fprintf(stdout, "%s  %-12s  %-24s  %.1fh\n",
				colorize(colorCyan, j.ID),
				j.Status,
				j.CustomerName,
				j.BillingHours,
			)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().String("technician", "", "technician id")
	jobsCmd.Flags().String("status", "", "filter by status (pending, in_progress, completed, cancelled)")
}

// --- style ---

var styleCmd = &cobra.Command{
	Use:   "style",
	Short: "Pin or clear a technician's confirmation style",
}

var styleSetCmd = &cobra.Command{
	Use:   "set <technician> <concise|detailed|verbose>",
	Short: "Pin a technician's confirmation style",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tech, style := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/v1/technicians/"+url.PathEscape(tech)+"/style", map[string]string{"style": style})
		if err != nil {
			return err
		}

		var uc tracker.UserContext
		if err := decodeJSON(resp, &uc); err != nil {
			return err
		}

		printSuccess("Set style for %s = %s", tech, uc.PreferredStyle)
		return nil
	},
}

var styleClearCmd = &cobra.Command{
	Use:   "clear <technician>",
	Short: "Let the selector learn the technician's style again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/technicians/"+url.PathEscape(args[0])+"/style")
		if err != nil {
			return err
		}

		var uc tracker.UserContext
		if err := decodeJSON(resp, &uc); err != nil {
			return err
		}

		printSuccess("Cleared style for %s", args[0])
		return nil
	},
}

func init() {
	styleCmd.AddCommand(styleSetCmd)
	styleCmd.AddCommand(styleClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load("cli")
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
