package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"

	"cdpfluent/internal/cdp"
	"cdpfluent/internal/config"
	"cdpfluent/internal/ctxkeys"
	"cdpfluent/internal/logger"
	"cdpfluent/internal/storage"
	"cdpfluent/pkg/api"
	"cdpfluent/pkg/model"
	"cdpfluent/pkg/traffic"
)

var (
	configPath  string
	devToolsURL string
	verbose     bool

	fragment    string
	mocksFile   string
	output      string
	stabilityMS int
	timeoutMS   int
	save        bool
	headful     bool
)

func main() {
	// .env 不存在时忽略
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "cdpfluent",
		Short:         "Record and mock the network traffic of a Chrome page",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&devToolsURL, "devtools", os.Getenv("CDPFLUENT_DEVTOOLS_URL"), "DevTools HTTP endpoint (launches a local browser when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	recordCmd := &cobra.Command{
		Use:   "record <url>",
		Short: "Open a url, record matching requests until traffic settles, print them as JSON",
		Example: `  cdpfluent record https://example.com --fragment /api --mocks mocks.yaml
  cdpfluent record https://example.com --devtools http://127.0.0.1:9222 --save`,
		Args: cobra.ExactArgs(1),
		RunE: runRecord,
	}
	recordCmd.Flags().StringVarP(&fragment, "fragment", "f", "", "Record only requests whose url contains this fragment")
	recordCmd.Flags().StringVarP(&mocksFile, "mocks", "m", "", "YAML mock rules installed before navigation")
	recordCmd.Flags().StringVarP(&output, "output", "o", "", "Write JSON to file instead of stdout")
	recordCmd.Flags().IntVar(&stabilityMS, "stability", 0, "Traffic stability window in ms (default from config)")
	recordCmd.Flags().IntVar(&timeoutMS, "timeout", 0, "Overall wait timeout in ms (default from config)")
	recordCmd.Flags().BoolVar(&save, "save", false, "Persist recorded requests to sqlite")
	recordCmd.Flags().BoolVar(&headful, "headful", false, "Show the launched browser window")

	targetsCmd := &cobra.Command{
		Use:   "targets",
		Short: "List DevTools targets",
		Args:  cobra.NoArgs,
		RunE:  runTargets,
	}

	historyCmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print requests persisted by a previous record --save",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVarP(&fragment, "fragment", "f", "", "Filter by recorded fragment")

	rootCmd.AddCommand(recordCmd, targetsCmd, historyCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if devToolsURL != "" {
		cfg.Browser.DevToolsURL = devToolsURL
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})
	return cfg, log, nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if headful {
		cfg.Browser.Headless = false
	}
	if stabilityMS > 0 {
		cfg.Wait.StabilityMS = stabilityMS
	}
	if timeoutMS > 0 {
		cfg.Wait.TimeoutMS = timeoutMS
	}

	ctx, stop := signal.NotifyContext(ctxkeys.WithTraceID(cmd.Context(), ""), os.Interrupt)
	defer stop()

	if cfg.Browser.DevToolsURL == "" {
		b, err := launchBrowser(cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()
		cfg.Browser.DevToolsURL = b.devToolsURL
	}
	if err := cdp.EnsurePage(ctx, cfg.Browser.DevToolsURL); err != nil {
		return err
	}

	var st *storage.Store
	if save {
		if st, err = storage.Open(cfg, log); err != nil {
			return err
		}
		defer st.Close()
	}

	svc := api.NewService(cfg, log, st)
	defer svc.Close()

	id, err := svc.StartSession(ctx, model.SessionConfig{})
	if err != nil {
		return err
	}
	if mocksFile != "" {
		if _, err := svc.LoadMockFile(id, mocksFile); err != nil {
			return err
		}
	}
	if _, err := svc.RecordRequestsTo(id, fragment, nil, func(r *traffic.RecordedRequest) {
		log.Debug("录制到请求", "method", r.Method, "url", r.URL)
	}); err != nil {
		return err
	}

	url := args[0]
	navCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Wait.TimeoutMS)*time.Millisecond)
	defer cancel()
	if err := svc.Navigate(navCtx, id, url); err != nil {
		return err
	}

	reqs, err := svc.WaitForRecordedRequests(ctx, id, fragment, nil)
	if errors.Is(err, api.ErrTimeout) {
		return fmt.Errorf("traffic did not settle within %dms: %w", cfg.Wait.TimeoutMS, err)
	}
	if err != nil {
		return err
	}

	doc := []byte("[]")
	for _, r := range reqs {
		item, err := traffic.Stringify(ctx, r)
		if err != nil {
			return err
		}
		if doc, err = sjson.SetRawBytes(doc, "-1", item); err != nil {
			return err
		}
	}
	if err := writeOutput(doc); err != nil {
		return err
	}

	stats, _ := svc.RouterStats(id)
	log.Info("录制完成", "session", string(id), "requests", len(reqs), "mocked", stats.Mocked)

	if save {
		n, err := svc.SaveRecordedRequests(ctx, id, fragment)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "saved %d requests under session %s\n", n, id)
	}
	return nil
}

func runTargets(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if cfg.Browser.DevToolsURL == "" {
		return fmt.Errorf("--devtools is required")
	}
	svc := api.NewService(cfg, log, nil)
	targets, err := svc.ListTargets(cmd.Context(), cfg.Browser.DevToolsURL)
	if err != nil {
		return err
	}
	for _, t := range targets {
		fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Title, t.URL)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	st, err := storage.Open(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := api.NewService(cfg, log, st)
	defer svc.Close()
	records, err := svc.ListSavedRequests(cmd.Context(), model.SessionID(args[0]), fragment)
	if err != nil {
		return err
	}
	doc := []byte("[]")
	for _, r := range records {
		if doc, err = sjson.SetRawBytes(doc, "-1", []byte(r.Info)); err != nil {
			return err
		}
	}
	return writeOutput(doc)
}

func writeOutput(doc []byte) error {
	doc = append(doc, '\n')
	if output == "" {
		_, err := os.Stdout.Write(doc)
		return err
	}
	return os.WriteFile(output, doc, 0o644)
}
