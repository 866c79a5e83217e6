package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/wxkj99/na-quiz/internal/cacheadmin"
	"github.com/wxkj99/na-quiz/internal/engine"
	"github.com/wxkj99/na-quiz/internal/gateway"
	appI18n "github.com/wxkj99/na-quiz/internal/i18n"
	"github.com/wxkj99/na-quiz/internal/model"
	"github.com/wxkj99/na-quiz/internal/page"
	"github.com/wxkj99/na-quiz/internal/proxy"
	"github.com/wxkj99/na-quiz/internal/ratelimit"
	"github.com/wxkj99/na-quiz/internal/store"
	"github.com/wxkj99/na-quiz/internal/verdict"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "naquiz",
		Short: "AI grading tools for numerical analysis quiz pages",
	}
	root.AddCommand(serveCmd(), gradeCmd(), testCmd(), configCmd(), cacheCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay proxy in front of the real model provider",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8787", "HTTP listen address")
	f.String("upstream-url", "", "Upstream API base URL (required)")
	f.String("upstream-key", "", "Upstream API key (or set NAQUIZ_UPSTREAM_KEY)")
	f.String("upstream-model", "", "Model forced on every forwarded request")
	f.String("upstream-type", "openai", "Upstream wire format (openai, gemini, claude)")
	f.StringSlice("origins", nil, "Allowed Origin values (empty allows any)")
	f.StringSlice("invites", nil, "Accepted invite codes, plaintext or bcrypt hashes")
	f.Int("rate-limit", proxy.DefaultRateLimit, "Requests per caller per window")
	f.Duration("rate-window", ratelimit.DefaultWindow, "Rate window length")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	_ = cmd.MarkFlagRequired("upstream-url")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade <page.html>",
		Short: "Grade the answers of a quiz page",
		Args:  cobra.ExactArgs(1),
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.String("db", "naquiz.db", "SQLite database path")
	f.IntP("question", "q", 0, "Grade only the n-th question (1-based)")
	f.IntP("section", "s", 0, "Grade only the n-th section (1-based)")
	f.Bool("by-section", false, "Grade each section as its own batch")
	f.Bool("force", false, "Re-grade even when cached verdicts exist")
	f.BoolP("yes", "y", false, "Skip the force confirmation prompt")
	f.StringP("lang", "l", "zh", "Message language (zh, en)")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func testCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check connectivity to the configured model endpoint",
		RunE:  runTest,
	}
	f := cmd.Flags()
	f.String("db", "naquiz.db", "SQLite database path")
	f.StringP("lang", "l", "zh", "Message language (zh, en)")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the stored API configuration",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store API endpoint settings",
		RunE:  runConfigSet,
	}
	f := set.Flags()
	f.String("db", "naquiz.db", "SQLite database path")
	f.String("url", "", "API base URL")
	f.String("key", "", "API key")
	f.String("model", "", "Model name")
	f.String("type", "", "Wire format (openai, gemini, claude)")
	f.String("invite", "", "Invite code for the default gateway")
	f.Bool("send-answer", true, "Include reference answers in grading prompts")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective API configuration",
		RunE:  runConfigShow,
	}
	show.Flags().String("db", "naquiz.db", "SQLite database path")
	show.Flags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	show.Flags().String("log-format", "text", "Log format (text, json)")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete the stored API configuration",
		RunE:  runConfigReset,
	}
	reset.Flags().String("db", "naquiz.db", "SQLite database path")
	reset.Flags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	reset.Flags().String("log-format", "text", "Log format (text, json)")

	cmd.AddCommand(set, show, reset)
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Export, import, or clear stored quiz data",
	}

	category := func(f *pflag.FlagSet) {
		f.Bool("inputs", false, "Include question inputs")
		f.Bool("grades", false, "Include grading results")
		f.Bool("api", false, "Include API configuration")
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Write selected cache categories to a JSON file",
		RunE:  runCacheExport,
	}
	f := export.Flags()
	f.String("db", "naquiz.db", "SQLite database path")
	f.String("page", "", "Limit inputs and grades to one page")
	f.StringP("output", "o", "na-quiz-cache.json", "Output file path (- for stdout)")
	category(f)
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	imp := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Load a previously exported cache file",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheImport,
	}
	imp.Flags().String("db", "naquiz.db", "SQLite database path")
	imp.Flags().StringP("lang", "l", "zh", "Message language (zh, en)")
	imp.Flags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	imp.Flags().String("log-format", "text", "Log format (text, json)")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete selected cache categories",
		RunE:  runCacheClear,
	}
	f = clear.Flags()
	f.String("db", "naquiz.db", "SQLite database path")
	f.String("page", "", "Limit inputs and grades to one page")
	category(f)
	f.BoolP("yes", "y", false, "Skip the confirmation prompt")
	f.StringP("lang", "l", "zh", "Message language (zh, en)")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	cmd.AddCommand(export, imp, clear)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("NAQUIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("naquiz")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/naquiz")
	v.AddConfigPath("/etc/naquiz")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	srv := proxy.New(proxy.Config{
		Upstream: model.APIConfig{
			BaseURL:  strings.TrimRight(v.GetString("upstream-url"), "/"),
			APIKey:   v.GetString("upstream-key"),
			Model:    v.GetString("upstream-model"),
			Provider: model.ParseProvider(v.GetString("upstream-type")),
		},
		AllowedOrigins: v.GetStringSlice("origins"),
		Invites:        v.GetStringSlice("invites"),
		RateLimit:      v.GetInt("rate-limit"),
		Window:         v.GetDuration("rate-window"),
	})

	addr := v.GetString("addr")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting proxy",
			"addr", addr,
			"upstream", v.GetString("upstream-url"),
			"provider", v.GetString("upstream-type"),
			"origins", v.GetStringSlice("origins"),
			"rate_limit", v.GetInt("rate-limit"),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pagePath := args[0]
	pageName := model.PageName(pagePath)
	f, err := os.Open(pagePath)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	sections, err := page.Parse(f, pageName)
	f.Close()
	if err != nil {
		return err
	}
	if err := page.LoadInputs(db, sections); err != nil {
		return err
	}

	batches, err := selectBatches(sections, v.GetInt("question"), v.GetInt("section"), v.GetBool("by-section"))
	if err != nil {
		return err
	}

	force := v.GetBool("force")
	eng := engine.New(db, gatewayFromStore(db), ratelimit.New(db), engine.Config{
		Progress: func(attempt int, wait time.Duration) {
			fmt.Println(appI18n.Td("grade.retrying", map[string]any{
				"Attempt": attempt,
				"Wait":    int(wait.Seconds()),
			}))
		},
		Confirm: confirmFunc(v.GetBool("yes")),
	})

	ctx := cmd.Context()
	if len(batches) == 1 {
		return gradeOne(ctx, eng, db, batches[0], force)
	}

	// Disjoint section batches can run concurrently; each one still
	// consumes a unit of the grading budget.
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for _, batch := range batches {
		g.Go(func() error {
			return gradeOne(ctx, eng, db, batch, force)
		})
	}
	return g.Wait()
}

func gatewayFromStore(db *store.Store) engine.Gateway {
	return lazyGateway{db: db}
}

// lazyGateway reads the API configuration at call time, so a config
// change between runs takes effect without re-opening anything.
type lazyGateway struct {
	db *store.Store
}

func (g lazyGateway) Complete(ctx context.Context, messages []model.ChatMessage) (string, error) {
	cfg, err := store.LoadAPIConfig(g.db)
	if err != nil {
		return "", err
	}
	return gateway.New(cfg).Complete(ctx, messages)
}

func selectBatches(sections []model.Section, questionN, sectionN int, bySection bool) ([][]model.Question, error) {
	all := page.Questions(sections)
	if len(all) == 0 {
		return nil, fmt.Errorf("page has no questions")
	}

	switch {
	case questionN > 0:
		if questionN > len(all) {
			return nil, fmt.Errorf("question %d out of range (page has %d)", questionN, len(all))
		}
		return [][]model.Question{{all[questionN-1]}}, nil
	case sectionN > 0:
		if sectionN > len(sections) {
			return nil, fmt.Errorf("section %d out of range (page has %d)", sectionN, len(sections))
		}
		return [][]model.Question{sections[sectionN-1].Questions}, nil
	case bySection:
		batches := make([][]model.Question, 0, len(sections))
		for _, s := range sections {
			if len(s.Questions) > 0 {
				batches = append(batches, s.Questions)
			}
		}
		return batches, nil
	default:
		return [][]model.Question{all}, nil
	}
}

func gradeOne(ctx context.Context, eng *engine.Engine, db *store.Store, batch []model.Question, force bool) error {
	fmt.Println(appI18n.T("grade.in_progress"))
	out, err := eng.GradeBatch(ctx, batch, force)
	if err != nil {
		fmt.Println(gradeErrorMessage(err))
		return err
	}

	for _, q := range batch {
		text, fresh := out.Results[q.ID]
		if !fresh {
			var cached bool
			text, cached = out.Cached[q.ID]
			if !cached {
				continue
			}
		}
		fmt.Printf("%s  %s\n", q.ID, verdict.Render(verdict.NormalizeMath(text)))
		edited, err := verdict.Edited(db, q.ID, q.Inputs)
		if err != nil {
			return err
		}
		if edited {
			fmt.Println("      " + verdict.RenderEdited(appI18n.T("grade.edited_mark")))
		}
	}
	if out.Summary != "" {
		fmt.Println(verdict.NormalizeMath(out.Summary))
	}
	return nil
}

func gradeErrorMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrBusy):
		return appI18n.T("grade.busy")
	case errors.Is(err, engine.ErrNothingToGrade):
		return appI18n.T("grade.nothing")
	case errors.Is(err, engine.ErrRateLimited):
		return appI18n.T("grade.rate_limited")
	case errors.Is(err, engine.ErrTooLarge):
		return appI18n.T("grade.too_long")
	case errors.Is(err, engine.ErrUnauthorized):
		return appI18n.T("grade.unauthorized")
	case errors.Is(err, engine.ErrCanceled):
		return appI18n.T("grade.canceled")
	default:
		return appI18n.Td("grade.failed", map[string]any{"Error": err.Error()})
	}
}

// confirmFunc prompts on stdin unless the user pre-confirmed.
func confirmFunc(yes bool) func() bool {
	if yes {
		return func() bool { return true }
	}
	return func() bool {
		fmt.Println(appI18n.T("grade.confirm_force"))
		return promptYes()
	}
}

func promptYes() bool {
	fmt.Print("[y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// testRateLimit bounds connectivity probes per window.
const testRateLimit = 5

func runTest(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// A half-filled user endpoint is a config mistake, not a
	// connectivity problem.
	url, _, err := db.Get(model.KeyAPIURL)
	if err != nil {
		return err
	}
	key, _, err := db.Get(model.KeyAPIKey)
	if err != nil {
		return err
	}
	if (strings.TrimSpace(url) == "") != (strings.TrimSpace(key) == "") {
		fmt.Println(appI18n.T("test.missing_config"))
		return fmt.Errorf("incomplete api configuration")
	}

	limiter := ratelimit.New(db)
	allowed, err := limiter.Allow(model.RateKey("test"), testRateLimit)
	if err != nil {
		return err
	}
	if !allowed {
		fmt.Println(appI18n.T("test.rate_limited"))
		return fmt.Errorf("test rate limit exceeded")
	}

	cfg, err := store.LoadAPIConfig(db)
	if err != nil {
		return err
	}

	fmt.Println(appI18n.T("test.in_progress"))
	if err := gateway.New(cfg).Ping(cmd.Context()); err != nil {
		fmt.Println(appI18n.Td("test.failed", map[string]any{"Error": err.Error()}))
		return err
	}
	fmt.Println(appI18n.T("test.ok"))
	return nil
}

func runConfigSet(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cfg, err := store.LoadAPIConfig(db)
	if err != nil {
		return err
	}
	// Only flags the user actually set override stored values.
	if cmd.Flags().Changed("url") {
		cfg.BaseURL = v.GetString("url")
	}
	if cmd.Flags().Changed("key") {
		cfg.APIKey = v.GetString("key")
	}
	if cmd.Flags().Changed("model") {
		cfg.Model = v.GetString("model")
	}
	if cmd.Flags().Changed("type") {
		cfg.Provider = model.ParseProvider(v.GetString("type"))
	}
	if cmd.Flags().Changed("invite") {
		cfg.Invite = v.GetString("invite")
	}
	if cmd.Flags().Changed("send-answer") {
		cfg.SendAnswer = v.GetBool("send-answer")
	}
	return store.SaveAPIConfig(db, cfg)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cfg, err := store.LoadAPIConfig(db)
	if err != nil {
		return err
	}
	fmt.Printf("url:         %s\n", cfg.BaseURL)
	fmt.Printf("model:       %s\n", cfg.Model)
	fmt.Printf("type:        %s\n", cfg.Provider)
	fmt.Printf("key:         %s\n", maskSecret(cfg.APIKey))
	fmt.Printf("invite:      %s\n", maskSecret(cfg.Invite))
	fmt.Printf("send-answer: %t\n", cfg.SendAnswer)
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

func runConfigReset(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return store.ResetAPIConfig(db)
}

func selectionFromFlags(v *viper.Viper) cacheadmin.Selection {
	sel := cacheadmin.Selection{
		Inputs:    v.GetBool("inputs"),
		Grades:    v.GetBool("grades"),
		APIConfig: v.GetBool("api"),
	}
	if sel.Empty() {
		sel = cacheadmin.All()
	}
	return sel
}

func runCacheExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	doc, err := cacheadmin.Export(db, selectionFromFlags(v), v.GetString("page"))
	if err != nil {
		return err
	}
	data, err := cacheadmin.MarshalDocument(doc)
	if err != nil {
		return err
	}

	outPath := v.GetString("output")
	if outPath == "" || outPath == "-" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(outPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported cache", "path", outPath, "keys", len(doc))
	return nil
}

func runCacheImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	doc, err := cacheadmin.ParseDocument(data)
	if err != nil {
		fmt.Println(appI18n.T("cache.import_bad_file"))
		return err
	}
	if err := cacheadmin.Import(db, doc); err != nil {
		return err
	}
	slog.Info("imported cache", "path", args[0], "keys", len(doc))
	return nil
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sel := selectionFromFlags(v)
	if !v.GetBool("yes") {
		var labels []string
		if sel.Inputs {
			labels = append(labels, appI18n.T("cache.label_inputs"))
		}
		if sel.Grades {
			labels = append(labels, appI18n.T("cache.label_grades"))
		}
		if sel.APIConfig {
			labels = append(labels, appI18n.T("cache.label_api"))
		}
		fmt.Println(appI18n.Td("cache.confirm_clear", map[string]any{
			"Labels": strings.Join(labels, "、"),
		}))
		if !promptYes() {
			fmt.Println(appI18n.T("grade.canceled"))
			return nil
		}
	}

	n, err := cacheadmin.Clear(db, sel, v.GetString("page"))
	if err != nil {
		return err
	}
	slog.Info("cleared cache", "keys", n)
	return nil
}
