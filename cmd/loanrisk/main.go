// LoanRisk is a conversational agent that answers loan-risk questions
// by letting a language model call credit, account, risk, and interest
// rate tools.
//
// It exposes a JSON and WebSocket API and a CLI for one-shot queries.
// Configuration is loaded from an optional YAML file discovered
// automatically (see [config.DefaultSearchPaths]) with the deployment
// environment variables layered on top.
//
// Usage:
//
//	loanrisk serve              Start the API server
//	loanrisk init [dir]         Write an example config into dir
//	loanrisk ask <question>     Ask a single question and print the trace
//	loanrisk tools              List the tools offered to the model
//	loanrisk version            Print version and build information
//	loanrisk -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/loanrisk-agent/internal/agent"
	"github.com/nugget/loanrisk-agent/internal/api"
	"github.com/nugget/loanrisk-agent/internal/buildinfo"
	"github.com/nugget/loanrisk-agent/internal/config"
	"github.com/nugget/loanrisk-agent/internal/credential"
	"github.com/nugget/loanrisk-agent/internal/gateway"
	"github.com/nugget/loanrisk-agent/internal/llm"
	"github.com/nugget/loanrisk-agent/internal/session"
	"github.com/nugget/loanrisk-agent/internal/telemetry"
	"github.com/nugget/loanrisk-agent/internal/tools"
	"github.com/nugget/loanrisk-agent/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the loanrisk command. ctx controls
// the process lifetime, structured logs go to stdout (stderr for ask,
// whose stdout is the trace), and args is os.Args[1:].
//
// Arguments are parsed by hand rather than with the flag package so
// that run holds no global state and can be called from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: loanrisk ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "tools":
		return runTools(stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "LoanRisk - Loan risk conversational agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: loanrisk [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question and print the trace")
	fmt.Fprintln(w, "  tools        List the tools offered to the model")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/loanrisk/config.yaml, /etc/loanrisk/config.yaml")
	fmt.Fprintln(w, "Without a config file, defaults and environment variables are used.")
	return nil
}

// loadConfig locates and parses the configuration. An explicit path
// must exist; when none is given and no default location has a file,
// the built-in defaults plus environment are used. The returned path is
// empty in that case.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" || !errors.Is(err, config.ErrNoConfigFile) {
			return nil, "", err
		}
		cfgPath = ""
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// components is the wired agent and the stores it depends on.
type components struct {
	loop     *agent.Loop
	client   llm.Client
	registry *tools.Registry
	sessions *session.Store
	cache    *credential.Cache // nil when nothing needs a bearer token
	usage    *usage.Store      // nil when not opened
}

func (c *components) Close() error {
	if c.usage != nil {
		return c.usage.Close()
	}
	return nil
}

// buildComponents wires the gateway, credential cache, reasoning client,
// tool registry, and agent loop from cfg. It performs no network I/O.
// When withUsage is set the SQLite usage ledger is opened in DataDir.
func buildComponents(cfg *config.Config, logger *slog.Logger, withUsage bool) (*components, error) {
	gw := gateway.New(logger, gateway.WithTimeout(cfg.Gateway.Timeout))

	c := &components{
		sessions: session.NewStore(cfg.Session.TTL, cfg.Session.MaxTurns),
	}

	if cfg.NeedsCredentials() {
		issuer := credential.NewIAMIssuer(gw, cfg.Watsonx.TokenEndpoint, cfg.Watsonx.APIKey)
		c.cache = credential.NewCache(issuer, cfg.Watsonx.TokenMargin, logger)
	}

	client, err := newReasoningClient(cfg, gw, c.cache, logger)
	if err != nil {
		return nil, err
	}
	c.client = client

	toolCfg := tools.Config{
		RAGEnabled: cfg.RAG.Enabled,
		ScoringURL: cfg.RAG.Endpoint,
		Poster:     gw,
		Logger:     logger,
	}
	if c.cache != nil {
		toolCfg.Tokens = c.cache
	}
	c.registry, err = tools.NewLoanRegistry(toolCfg)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	var opts []agent.Option
	if withUsage {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		c.usage, err = usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
		if err != nil {
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		opts = append(opts, agent.WithUsage(c.usage, cfg.Pricing))
	}

	c.loop = agent.NewLoop(logger, client, c.registry, c.sessions, agent.Config{
		Model:            cfg.Reasoning.Model,
		Provider:         cfg.Reasoning.Provider,
		MaxCycles:        cfg.Agent.MaxCycles,
		ReasoningTimeout: cfg.Agent.ReasoningTimeout,
		ToolTimeout:      cfg.Agent.ToolTimeout,
		SystemPrompt:     cfg.Agent.SystemPrompt,
	}, opts...)

	logger.Info("agent initialized",
		"provider", cfg.Reasoning.Provider,
		"model", cfg.Reasoning.Model,
		"tools", c.registry.Names(),
		"rag", cfg.RAG.Enabled,
		"max_cycles", cfg.Agent.MaxCycles,
	)
	return c, nil
}

// newReasoningClient builds the configured provider. The watsonx client
// authenticates through the credential cache.
func newReasoningClient(cfg *config.Config, gw *gateway.Gateway, cache *credential.Cache, logger *slog.Logger) (llm.Client, error) {
	d := cfg.Reasoning.Decoding
	opts := llm.Options{
		MaxNewTokens: d.MaxNewTokens,
		MinNewTokens: d.MinNewTokens,
		Temperature:  d.Temperature,
		RandomSeed:   d.RandomSeed,
		TopP:         d.TopP,
		TopK:         d.TopK,
	}

	switch cfg.Reasoning.Provider {
	case config.ProviderOllama:
		return llm.NewOllamaClient(cfg.Reasoning.OllamaURL, opts, gw, logger), nil
	case config.ProviderWatsonx:
		if cache == nil {
			return nil, fmt.Errorf("watsonx provider requires credentials")
		}
		return llm.NewWatsonxClient(llm.WatsonxConfig{
			ServiceURL: cfg.Watsonx.ServiceURL,
			ProjectID:  cfg.Watsonx.ProjectID,
			APIVersion: cfg.Watsonx.APIVersion,
			Options:    opts,
		}, gw, cache, logger), nil
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Reasoning.Provider)
	}
}

// runServe handles the "loanrisk serve" subcommand: it wires every
// component, starts the API server, and blocks until SIGINT or SIGTERM
// (or ctx cancellation), then drains in-flight requests.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(stdout, cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	if cfg.Telemetry.Enabled {
		logger.Info("telemetry enabled", "dir", cfg.Telemetry.Dir)
	}

	c, err := buildComponents(cfg, logger, true)
	if err != nil {
		return err
	}
	defer c.Close()

	go sweepSessions(ctx, c.sessions, sweepInterval(cfg.Session.TTL), logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, c.loop, c.sessions, logger)
	if c.cache != nil {
		server.SetTokenSource(c.cache)
	}
	server.SetUsageStore(c.usage)
	server.SetModelCheck(c.client)

	go checkProvider(ctx, c.client, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Warn("api server shutdown failed", "error", err)
	}
	return nil
}

// checkProvider pings the reasoning provider once at startup. A failure
// is only a warning: the provider may come up after the agent does.
func checkProvider(ctx context.Context, client llm.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		logger.Warn("reasoning provider not reachable at startup", "error", err)
		return
	}
	logger.Info("reasoning provider reachable")
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return min(max(ttl/4, time.Second), time.Minute)
}

// sweepSessions drops idle sessions until ctx is done. A zero interval
// disables sweeping.
func sweepSessions(ctx context.Context, sessions *session.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sessions.Sweep(now); n > 0 {
				logger.Debug("expired idle sessions", "count", n)
			}
		}
	}
}

// runAsk handles "loanrisk ask <question>": it runs one query through a
// fresh agent and prints the trace to stdout. Logs go to stderr.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	question := strings.Join(args, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(stderr, cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger.Debug("config loaded", "path", cfgPath)

	c, err := buildComponents(cfg, logger, false)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.cache != nil {
		if _, err := c.cache.EnsureToken(ctx); err != nil {
			logger.Error("failed to obtain access token", "error", err)
		}
	}

	var onStep agent.StepFunc
	if outputFmt == "text" {
		onStep = func(e agent.TraceEntry) { printEntry(stdout, e) }
	}

	res, runErr := c.loop.Run(ctx, "cli", question, onStep)
	if outputFmt == "json" && res != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.Trace); err != nil {
			return err
		}
	}
	if agent.IsReasoningTimeout(runErr) {
		return fmt.Errorf("ask: %w (raise agent.reasoning_timeout for slower models)", runErr)
	}
	if runErr != nil {
		return fmt.Errorf("ask: %w", runErr)
	}
	if res.Error != nil {
		return fmt.Errorf("ask: %w", res.Error)
	}
	return nil
}

// printEntry renders one trace entry for a terminal.
func printEntry(w io.Writer, e agent.TraceEntry) {
	switch {
	case len(e.ToolCalls) > 0:
		for _, tc := range e.ToolCalls {
			args, _ := json.Marshal(tc.Function.Arguments)
			fmt.Fprintf(w, "[%s] call %s %s\n", e.Type, tc.Function.Name, args)
		}
		if e.Content != "" {
			fmt.Fprintf(w, "[%s] %s\n", e.Type, e.Content)
		}
	default:
		fmt.Fprintf(w, "[%s] %s\n", e.Type, e.Content)
	}
}

// runTools lists the registry the agent would offer with the current
// configuration.
func runTools(stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(stderr, config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	c, err := buildComponents(cfg, logger, false)
	if err != nil {
		return err
	}
	defer c.Close()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c.registry.List())
	}
	for _, name := range c.registry.Names() {
		t := c.registry.Get(name)
		fmt.Fprintf(stdout, "%s\n    %s\n", t.Name, t.Description)
		for _, p := range t.Params {
			req := ""
			if p.Required {
				req = ", required"
			}
			fmt.Fprintf(stdout, "    - %s (%s%s): %s\n", p.Name, p.Type, req, p.Description)
		}
	}
	return nil
}
