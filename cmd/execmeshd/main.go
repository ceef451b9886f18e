// Command execmeshd hosts remote code executions for one server and offers
// client commands to submit and stop them through a shared store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/execmesh"
	"github.com/hupe1980/execmesh/config"
	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/metrics"
	"github.com/hupe1980/execmesh/runner"
)

const version = "dev"

var errMemoryBackend = errors.New("client commands need a shared store backend (sqlite, postgres or redis)")

type stringFlags []string

func (s *stringFlags) String() string { return strings.Join(*s, ",") }

func (s *stringFlags) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var showVersion bool
	root := flag.NewFlagSet("execmeshd", flag.ContinueOnError)
	root.SetOutput(stderr)
	root.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := root.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintf(stdout, "execmeshd %s\n", version)
		return 0
	}

	rest := root.Args()
	if len(rest) == 0 {
		return runServe(nil, stdout, stderr)
	}

	switch rest[0] {
	case "serve":
		return runServe(rest[1:], stdout, stderr)
	case "submit":
		return runSubmit(rest[1:], stdout, stderr)
	case "stop":
		return runStop(rest[1:], stdout, stderr)
	default:
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: execmeshd [-version] <command> [flags]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  serve   run the dispatcher (default)")
	fmt.Fprintln(w, "  submit  publish a start invocation and follow its output")
	fmt.Fprintln(w, "  stop    publish a stop invocation for an execution")
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, stdout); err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	logger := newLogger(cfg.Log, cfg.Server.ID, logOut)

	st, closeStore, err := openStore(ctx, cfg.Store, logger.WithComponent("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	arch, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	rules, err := startRules(cfg.Validation.StartRules)
	if err != nil {
		return err
	}

	if cfg.Server.Name != "" {
		server := core.Server{ID: cfg.Server.ID, Name: cfg.Server.Name, HardwareType: cfg.Server.HardwareType}
		if err := st.PutServer(ctx, server); err != nil {
			return fmt.Errorf("register server: %w", err)
		}
	}

	mesh := execmesh.New(func(o *execmesh.Options) {
		o.ServerID = cfg.Server.ID
		o.ServerPollInterval = cfg.Server.PollInterval
		o.Store = st
		o.Runner = runner.New(func(ro *runner.Options) {
			ro.DefaultTimeout = cfg.Runner.DefaultTimeout
			ro.InheritEnv = cfg.Runner.InheritEnv
			ro.Logger = logger.WithComponent("runner")
		})
		o.DefaultRunConfig = defaultRunConfig(cfg.Runner)
		o.StartRules = rules
		o.MaxMessages = cfg.Capacity.MaxMessages
		o.Retention = cfg.Recycle.Retention
		o.Archive = arch
		o.Logger = logger.WithComponent("dispatcher")
		o.Metrics = metrics.NewFromGlobal()
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mesh.Run(gctx) })
	g.Go(func() error {
		select {
		case <-mesh.Ready():
			logger.Info("Dispatcher ready", "store", cfg.Store.Backend, "version", version)
		case <-gctx.Done():
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Dispatcher stopped")
	return err
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config")
	user := fs.String("user", os.Getenv("USER"), "requesting user id")
	command := fs.String("command", "", "command to execute")
	workDir := fs.String("workdir", "", "working directory")
	timeout := fs.Duration("timeout", 0, "execution timeout")
	follow := fs.Bool("follow", true, "print output until the execution ends")
	var envs stringFlags
	fs.Var(&envs, "env", "KEY=VALUE environment entry (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inv := startInvocation(cfg.Server.ID, *user, *command, fs.Args(), envs, *workDir, *timeout)
	if err := submit(ctx, cfg, inv, *follow, stdout); err != nil {
		fmt.Fprintf(stderr, "submit: %v\n", err)
		return 1
	}
	return 0
}

func startInvocation(serverID, user, command string, args, envs []string, workDir string, timeout time.Duration) core.Invocation {
	runCfg := map[string]any{}
	if command != "" {
		runCfg["command"] = command
	}
	if len(args) > 0 {
		list := make([]any, len(args))
		for i, a := range args {
			list[i] = a
		}
		runCfg["args"] = list
	}
	if len(envs) > 0 {
		env := map[string]any{}
		for _, kv := range envs {
			k, v, _ := strings.Cut(kv, "=")
			env[k] = v
		}
		runCfg["env"] = env
	}
	if workDir != "" {
		runCfg["work_dir"] = workDir
	}
	if timeout > 0 {
		runCfg["timeout"] = timeout.String()
	}

	return core.Invocation{
		ID:        uuid.NewString(),
		Type:      core.InvocationTypeStartExecution,
		UserID:    user,
		ServerID:  serverID,
		Data:      map[string]any{"config": runCfg},
		CreatedAt: time.Now(),
	}
}

func submit(ctx context.Context, cfg config.Config, inv core.Invocation, follow bool, out io.Writer) error {
	if cfg.Store.Backend == config.BackendMemory {
		return errMemoryBackend
	}

	logger := newLogger(cfg.Log, cfg.Server.ID, io.Discard)
	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	if err := st.PublishInvocation(ctx, inv); err != nil {
		return err
	}
	fmt.Fprintf(out, "execution %s submitted\n", inv.ID)

	if !follow {
		return nil
	}
	return tail(ctx, st, inv.ID, cfg.Store.PollInterval, out)
}

// tail prints persisted messages of executionID until a terminal one
// arrives.
func tail(ctx context.Context, st core.MessageStore, executionID string, every time.Duration, out io.Writer) error {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	seen := 0
	for {
		msgs, err := st.ListMessages(ctx, executionID)
		if err != nil {
			return err
		}
		for _, msg := range msgs[min(seen, len(msgs)):] {
			fmt.Fprint(out, msg.Data)
			if msg.IsTerminal() {
				fmt.Fprintln(out)
				return nil
			}
		}
		seen = len(msgs)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runStop(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config")
	user := fs.String("user", os.Getenv("USER"), "requesting user id")
	executionID := fs.String("execution", "", "execution id to stop")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *executionID == "" {
		fmt.Fprintln(stderr, "stop: -execution is required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if cfg.Store.Backend == config.BackendMemory {
		fmt.Fprintf(stderr, "stop: %v\n", errMemoryBackend)
		return 1
	}

	ctx := context.Background()
	st, closeStore, err := openStore(ctx, cfg.Store, newLogger(cfg.Log, cfg.Server.ID, io.Discard))
	if err != nil {
		fmt.Fprintf(stderr, "stop: %v\n", err)
		return 1
	}
	defer func() { _ = closeStore() }()

	inv := core.Invocation{
		ID:        uuid.NewString(),
		Type:      core.InvocationTypeStopExecution,
		UserID:    *user,
		ServerID:  cfg.Server.ID,
		Data:      map[string]any{"execution_id": *executionID},
		CreatedAt: time.Now(),
	}
	if err := st.PublishInvocation(ctx, inv); err != nil {
		fmt.Fprintf(stderr, "stop: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "stop requested for execution %s\n", *executionID)
	return 0
}
