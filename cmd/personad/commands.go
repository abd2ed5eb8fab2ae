package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/personadesk/run-orchestrator/internal/backend"
	"github.com/personadesk/run-orchestrator/internal/bus"
	"github.com/personadesk/run-orchestrator/internal/config"
	"github.com/personadesk/run-orchestrator/internal/domain"
	"github.com/personadesk/run-orchestrator/internal/feed"
	"github.com/personadesk/run-orchestrator/internal/maintenance"
	"github.com/personadesk/run-orchestrator/internal/notify"
	"github.com/personadesk/run-orchestrator/internal/observer"
	"github.com/personadesk/run-orchestrator/internal/phase"
	"github.com/personadesk/run-orchestrator/internal/registry"
	"github.com/personadesk/run-orchestrator/internal/runstore"
	"github.com/personadesk/run-orchestrator/internal/schedule"
	"github.com/personadesk/run-orchestrator/internal/trace"
	"github.com/personadesk/run-orchestrator/web/api"
)

var (
	startSubject  string
	resumeSubject string
	runsCategory  string
	runsStatus    string
	runsLimit     int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	startCmd := &cobra.Command{
		Use:   "start CATEGORY",
		Short: "Start a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&startSubject, "subject", "", "subject key the run operates on")
	startCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(startCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume CATEGORY RUN_ID",
		Short: "Re-attach to a run from its snapshot",
		Args:  cobra.ExactArgs(2),
		RunE:  runResume,
	}
	resumeCmd.Flags().StringVar(&resumeSubject, "subject", "", "subject key the run operates on")
	rootCmd.AddCommand(resumeCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List tracked runs",
		RunE:  runRuns,
	}
	rootCmd.AddCommand(runsCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List persisted run history",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&runsCategory, "category", "", "filter by category")
	historyCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status")
	historyCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum rows")
	rootCmd.AddCommand(historyCmd)

	traceCmd := &cobra.Command{
		Use:   "trace RUN_ID",
		Short: "Show the pipeline trace for a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrace,
	}
	rootCmd.AddCommand(traceCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer store.Close()

	defs := phase.NewDefinitions()
	if cfg.General.PhasesPath != "" {
		tables, err := phase.Load(cfg.General.PhasesPath)
		if err != nil {
			log.Printf("loading phase definitions: %v, using defaults", err)
		} else {
			defs.Replace(tables)
		}
	}

	eventBus := bus.New()
	client := backend.NewClient(cfg.Backend.CommandURL)
	reg := registry.New(client, eventBus, defs, trace.NewTracer())
	defer reg.Close()
	reg.SetStore(store)

	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) > 0 {
		reg.SetNotifier(notify.NewMultiNotifier(notifiers...))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(reg, store, addr)
	reg.SetOnUpdate(server.BroadcastRun)

	eventFeed := feed.New(cfg.Backend.EventURL, eventBus)
	defer eventFeed.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eventFeed.RunWithReconnect(ctx) })
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error {
		maintenance.Run(ctx, store, cfg.General.HistoryRetentionDays)
		return nil
	})

	if len(cfg.Triggers) > 0 {
		sched, err := schedule.NewScheduler(cfg.Triggers)
		if err != nil {
			return err
		}
		defer sched.Stop()
		g.Go(func() error {
			sched.Start(ctx, reg.Start)
			return nil
		})
	}

	if cfg.General.PhasesPath != "" {
		watcher, err := observer.NewPhaseWatcher(cfg.General.PhasesPath, defs)
		if err != nil {
			log.Printf("watching phase definitions: %v", err)
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	log.Printf("personad listening on %s", addr)
	return g.Wait()
}

// controlURL builds a daemon API endpoint from the configured web address.
func controlURL(cfg *config.Config, path string) string {
	return fmt.Sprintf("http://%s:%d%s", cfg.Web.Host, cfg.Web.Port, path)
}

func postJSON(url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var run domain.Run
	err = postJSON(controlURL(cfg, "/api/runs"), api.StartRequest{
		Category:   args[0],
		SubjectKey: startSubject,
	}, &run)
	if err != nil {
		return err
	}

	fmt.Printf("Started %s run %s on %s\n", run.Category, run.ID, run.SubjectKey)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var run domain.Run
	if err := postJSON(controlURL(cfg, "/api/runs/"+args[0]+"/cancel"), struct{}{}, &run); err != nil {
		return err
	}

	fmt.Printf("Run %s is %s\n", run.ID, run.Status)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var run domain.Run
	err = postJSON(controlURL(cfg, "/api/resume"), api.ResumeRequest{
		Category:   args[0],
		SubjectKey: resumeSubject,
		RunID:      args[1],
	}, &run)
	if err != nil {
		return err
	}

	fmt.Printf("Resumed %s run %s: %s (%s)\n", run.Category, run.ID, run.Status, run.PhaseLabel)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var runs []domain.Run
	if err := getJSON(controlURL(cfg, "/api/runs"), &runs); err != nil {
		return err
	}
	printRuns(runs)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s?category=%s&status=%s&limit=%d",
		controlURL(cfg, "/api/history"), runsCategory, runsStatus, runsLimit)
	var runs []domain.Run
	if err := getJSON(url, &runs); err != nil {
		return err
	}
	printRuns(runs)
	return nil
}

func runTrace(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var tr trace.Trace
	if err := getJSON(controlURL(cfg, "/api/runs/"+args[0]+"/trace"), &tr); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tAT\tDURATION\tERROR")
	for _, entry := range tr.Entries {
		duration := "-"
		if entry.DurationMs != nil {
			duration = fmt.Sprintf("%dms", *entry.DurationMs)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			entry.Stage, entry.Timestamp.Format(time.TimeOnly), duration, entry.Error)
	}
	return w.Flush()
}

func printRuns(runs []domain.Run) {
	if len(runs) == 0 {
		fmt.Println("No runs")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tSUBJECT\tSTATUS\tPHASE\tSTARTED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Category, run.SubjectKey, run.Status, run.PhaseLabel,
			run.StartedAt.Format(time.DateTime))
	}
	w.Flush()
}
