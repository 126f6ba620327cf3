package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/breaker"
	"github.com/zen-systems/routegate/pkg/catalog"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/dispatch"
	"github.com/zen-systems/routegate/pkg/engine"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/metrics"
	"github.com/zen-systems/routegate/pkg/policy"
	"github.com/zen-systems/routegate/pkg/router"
	"github.com/zen-systems/routegate/pkg/server"
	"github.com/zen-systems/routegate/pkg/trace"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "routegate",
		Short: "Multi-tier inference request router and load balancer",
		Long: `Routegate routes inference requests across a pool of model candidates,
	balancing cost, latency and quality while tracking backend health,
	enforcing rate budgets and circuit breaking failing providers.`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(candidatesCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// stack is the wired set of routing components shared by the commands.
type stack struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	health   *health.Tracker
	breaker  *breaker.Breaker
	policies *policy.Registry
	engine   *engine.Engine
	traces   *trace.Buffer
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

func buildStack() (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cat := catalog.New(logger)
	if cfg.Routing.CatalogPath != "" {
		if err := cat.Refresh(catalog.FileLoader(cfg.Routing.CatalogPath)); err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
	}

	reg := policy.NewRegistry(policy.Default(), logger)
	if cfg.Routing.PolicyPath != "" {
		if err := reg.LoadFile(cfg.Routing.PolicyPath); err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
	}

	adapters, err := createAdapters(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}

	h := health.NewTracker()
	b := breaker.New(reg.Current().Breaker.ToBreaker())
	exec := dispatch.New(adapters, h, b, logger,
		dispatch.WithDefaultTimeout(time.Duration(cfg.Routing.DefaultTimeoutMs)*time.Millisecond))

	traces := trace.NewBuffer(cfg.Server.TraceEntries)
	rec, err := metrics.NewRecorder(nil, h, b)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	eng := engine.New(cat, reg, h, b, exec, logger,
		engine.WithRecorder(traces),
		engine.WithObserver(rec),
		engine.WithMaxFallbackDepth(cfg.Routing.MaxFallbackDepth))

	return &stack{
		cfg:      cfg,
		catalog:  cat,
		health:   h,
		breaker:  b,
		policies: reg,
		engine:   eng,
		traces:   traces,
		metrics:  rec,
		logger:   logger,
	}, nil
}

func serveCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if st.cfg.Routing.CatalogPath != "" {
				interval := time.Duration(st.cfg.Routing.RefreshSeconds) * time.Second
				go st.catalog.Run(ctx, interval, catalog.FileLoader(st.cfg.Routing.CatalogPath))
			}
			if st.cfg.Routing.PolicyPath != "" {
				if err := st.policies.Watch(ctx); err != nil {
					st.logger.Warn("policy watch unavailable", "error", err)
				}
			}

			addr := listenAddr
			if addr == "" {
				addr = st.cfg.Server.ListenAddr
			}

			opts := []server.Option{server.WithTraces(st.traces)}
			var metricsSrv *http.Server
			if st.cfg.Server.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("GET /metrics", st.metrics.Handler())
				metricsSrv = &http.Server{Addr: st.cfg.Server.MetricsAddr, Handler: mux}
			} else {
				opts = append(opts, server.WithMetricsHandler(st.metrics.Handler()))
			}
			srv := server.New(addr, st.engine, st.catalog, st.logger, opts...)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()
			if metricsSrv != nil {
				st.logger.Info("metrics listening", "addr", metricsSrv.Addr)
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						st.logger.Warn("metrics server stopped", "error", err)
					}
				}()
			}

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				st.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if metricsSrv != nil {
					_ = metricsSrv.Shutdown(shutdownCtx)
				}
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	return cmd
}

func routeCmd() *cobra.Command {
	var (
		systemFlag   string
		maxTokens    int
		priority     string
		affinity     string
		modelClasses []string
		costCeiling  float64
		budgetMs     int
		streamFlag   bool
	)

	cmd := &cobra.Command{
		Use:   "route [prompt]",
		Short: "Route a single prompt through the candidate pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}

			req := engine.Request{
				Prompt:    args[0],
				System:    systemFlag,
				MaxTokens: maxTokens,
				Constraints: router.Constraints{
					Streaming:     streamFlag,
					ModelClasses:  modelClasses,
					CostCeiling:   costCeiling,
					LatencyBudget: time.Duration(budgetMs) * time.Millisecond,
					AffinityKey:   affinity,
					PriorityClass: priority,
				},
			}

			ctx := cmd.Context()
			var reply *engine.Reply
			if streamFlag {
				reply, err = st.engine.RouteStream(ctx, req, func(delta string) error {
					_, werr := fmt.Print(delta)
					return werr
				})
				fmt.Println()
			} else {
				reply, err = st.engine.Route(ctx, req)
			}
			if err != nil {
				if reply != nil {
					for _, o := range reply.Outcomes {
						fmt.Fprintf(os.Stderr, "  attempt %s: %s %s\n", o.Key, o.Kind, o.Err)
					}
				}
				return err
			}

			fmt.Fprintf(os.Stderr, "Routed to %s/%s (%s strategy, %d attempt(s))\n",
				reply.Result.Provider, reply.Result.Model, reply.Decision.Strategy, len(reply.Outcomes))
			if !streamFlag {
				fmt.Println(reply.Result.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&systemFlag, "system", "", "system prompt")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max completion tokens")
	cmd.Flags().StringVar(&priority, "priority", "", "priority class (batch, interactive, premium)")
	cmd.Flags().StringVar(&affinity, "affinity", "", "affinity key for sticky routing")
	cmd.Flags().StringSliceVar(&modelClasses, "class", nil, "acceptable model classes")
	cmd.Flags().Float64Var(&costCeiling, "max-cost", 0, "cost ceiling per 1K tokens (0 disables)")
	cmd.Flags().IntVar(&budgetMs, "budget-ms", 0, "total latency budget in milliseconds")
	cmd.Flags().BoolVar(&streamFlag, "stream", false, "stream the response")

	return cmd
}

func candidatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "candidates",
		Short: "List catalog candidates with health and circuit state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tMODEL\tCOST/1K\tTIER\tACTIVE\tCIRCUIT\tSUCCESS\tP95\tSAMPLES")

			for _, cs := range st.engine.Candidates() {
				c := cs.Candidate
				fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%d\t%t\t%s\t%.2f\t%s\t%d\n",
					c.ID, c.Provider, c.Model, c.CostPer1KTokens, c.QualityTier, c.Active,
					cs.Circuit, cs.Stats.SuccessRate, cs.Stats.P95, cs.Stats.Samples)
			}

			return w.Flush()
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured adapters and the models they serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			adapters, err := createAdapters(cfg)
			if err != nil {
				return fmt.Errorf("failed to create adapters: %w", err)
			}
			return writeModels(os.Stdout, adapters)
		},
	}
}

func writeModels(out io.Writer, adapters map[string]adapter.Adapter) error {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADAPTER\tMODELS")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(adapters[name].Models(), ", "))
	}
	return w.Flush()
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config, catalog manifest and policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			if cfg.Routing.CatalogPath != "" {
				m, err := catalog.LoadManifest(cfg.Routing.CatalogPath)
				if err != nil {
					return fmt.Errorf("catalog: %w", err)
				}
				fmt.Printf("Catalog valid: %d candidate(s)\n", len(m.Candidates))
			} else {
				fmt.Println("No catalog configured.")
			}

			if cfg.Routing.PolicyPath != "" {
				if _, err := policy.Load(cfg.Routing.PolicyPath); err != nil {
					return fmt.Errorf("policy: %w", err)
				}
				fmt.Println("Policy valid.")
			} else {
				fmt.Println("No policy file configured, using defaults.")
			}

			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.Load()
}

func createAdapters(cfg *config.Config) (map[string]adapter.Adapter, error) {
	adapters := make(map[string]adapter.Adapter)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	adapters["mock"] = adapter.NewMockAdapter()

	return adapters, nil
}
