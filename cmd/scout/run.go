package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zoobzio/scout"
	"github.com/zoobzio/scout/capabilities"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [message...]",
		Short: "Run one session over the given messages",
		Long: `Run one session over the given messages and print the resulting report as JSON.
Messages are read from stdin, one per line, when none are given as arguments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			messages := args
			if len(messages) == 0 {
				var err error
				if messages, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return runSession(cmd.Context(), v, messages, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String(keyOpenAIKey, "", "OpenAI API key")
	flags.String(keyOpenAIModel, scout.DefaultOpenAIModel, "OpenAI chat model")
	flags.String(keyOpenAIBaseURL, scout.DefaultOpenAIBaseURL, "OpenAI-compatible API base URL")
	flags.Float64(keyOracleRPS, 2, "Oracle calls per second across sessions")
	flags.String(keyTavilyKey, "", "Tavily search API key")
	flags.Duration(keyTimeout, 5*time.Minute, "Overall session timeout")
	flags.String(keyMetricsAddr, "", "Serve Prometheus metrics on this address while running")
	flags.String(keyContext, "", "Session context as a JSON object, or @path to a JSON file")
	return cmd
}

func runSession(ctx context.Context, v *viper.Viper, messages []string, out io.Writer) error {
	logger, err := newLogger(v)
	if err != nil {
		return err
	}
	sink := scout.NewLogSink(logger)
	defer sink.Close()

	reg := prometheus.NewRegistry()
	metrics := scout.MustNewMetrics(reg)
	defer metrics.Close()
	if addr := v.GetString(keyMetricsAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	sessionContext, err := parseContext(v.GetString(keyContext))
	if err != nil {
		return err
	}
	variant, err := resolveVariant(v)
	if err != nil {
		return err
	}
	wf, err := buildWorkflow(v, variant)
	if err != nil {
		return err
	}

	manager := scout.NewManager(wf).WithMaxSessions(1)
	if dsn := v.GetString(keyDatabaseURL); dsn != "" {
		db, err := sqlx.Connect("postgres", dsn)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		store, err := scout.NewSoyStore(db)
		if err != nil {
			_ = db.Close()
			return err
		}
		defer store.Close()
		manager.WithStore(store)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, v.GetDuration(keyTimeout))
	defer cancel()

	id, err := manager.Start(ctx, scout.StartRequest{InitialMessages: messages, Context: sessionContext})
	if err != nil {
		return err
	}
	logger.Info("session started", zap.String("session_id", id), zap.String("variant", variant.Name))

	status, err := manager.Await(ctx, id)
	if err != nil {
		_ = manager.Cancel(id)
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = manager.Shutdown(shutdownCtx)
		status, _ = manager.Poll(id)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if status.State == scout.RunAborted {
		return fmt.Errorf("session %s aborted: %s", id, status.Detail)
	}
	return nil
}

func buildWorkflow(v *viper.Viper, variant scout.Variant) (*scout.Workflow, error) {
	apiKey := v.GetString(keyOpenAIKey)
	if apiKey == "" {
		return nil, errors.New("an OpenAI API key is required (--openai-api-key or SCOUT_OPENAI_API_KEY)")
	}
	var provider scout.Provider = scout.NewOpenAIProvider(apiKey,
		scout.WithModel(v.GetString(keyOpenAIModel)),
		scout.WithBaseURL(v.GetString(keyOpenAIBaseURL)),
	)
	if rps := v.GetFloat64(keyOracleRPS); rps > 0 {
		provider = scout.NewRateLimitedProvider(provider, rate.Limit(rps), 1)
	}

	registry := scout.NewRegistry()
	if key := v.GetString(keyTavilyKey); key != "" {
		for _, c := range []scout.Capability{capabilities.NewQuickSearch(key), capabilities.NewDeepSearch(key)} {
			if err := registry.Register(c); err != nil {
				return nil, err
			}
		}
	}
	if err := registry.Register(capabilities.NewTokenLookup()); err != nil {
		return nil, err
	}
	// GeckoTerminal allows roughly 30 calls a minute.
	if err := registry.SetRateLimit(capabilities.TokenDataName, rate.Every(2*time.Second), 5); err != nil {
		return nil, err
	}

	router := scout.NewRouter(registry, scout.NewDispatcher(registry)).WithProvider(provider)
	return scout.NewWorkflow(variant, router,
		scout.NewSynthesizer().WithProvider(provider),
		scout.NewReviewer().WithProvider(provider))
}

func resolveVariant(v *viper.Viper) (scout.Variant, error) {
	variants, err := availableVariants(v)
	if err != nil {
		return scout.Variant{}, err
	}
	name := v.GetString(keyVariant)
	variant, ok := variants[name]
	if !ok {
		return scout.Variant{}, fmt.Errorf("unknown variant %q", name)
	}
	return variant, nil
}

// availableVariants merges the presets with the variants file, which wins on
// name clashes.
func availableVariants(v *viper.Viper) (map[string]scout.Variant, error) {
	variants := scout.Presets()
	path := v.GetString(keyVariantsFile)
	if path == "" {
		return variants, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open variants file: %w", err)
	}
	defer f.Close()
	loaded, err := scout.LoadVariants(f)
	if err != nil {
		return nil, err
	}
	for _, variant := range loaded {
		variants[variant.Name] = variant
	}
	return variants, nil
}

// parseContext reads the session context given inline as a JSON object or,
// with a leading @, from a JSON file.
func parseContext(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
	}
	var sessionContext map[string]any
	if err := json.Unmarshal(data, &sessionContext); err != nil {
		return nil, fmt.Errorf("context must be a JSON object: %w", err)
	}
	return sessionContext, nil
}

func readLines(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, errors.New("no messages given")
	}
	return lines, nil
}
