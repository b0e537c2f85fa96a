package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/goforj/memocache"
	"github.com/goforj/memocache/internal/config"
)

const usage = `usage: memocache [-config path] <command> [flags] [args]

commands:
  get <key>                 print the cached value
  set [-ttl d] <key> <val>  store a value
  delete <key>              remove a key
  remember [-ttl d] [-delay d] [-value v] <key>
                            memoize a slow computation
  stampede [-n N] [-delay d] <key>
                            run N concurrent Remember calls and report resolver runs
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("memocache", flag.ContinueOnError)
	fs.SetOutput(out)
	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = log.Sync() }()

	rt, err := openRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, log)

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "get":
		return cmdGet(ctx, rt.cache, rest, out)
	case "set":
		return cmdSet(ctx, rt.cache, rest, out)
	case "delete":
		return cmdDelete(ctx, rt.cache, rest, out)
	case "remember":
		return cmdRemember(ctx, rt.cache, rest, out)
	case "stampede":
		return cmdStampede(ctx, rt.cache, rest, out, log)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.Load(path)
}

func cmdGet(ctx context.Context, c *memocache.Cache, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: get takes one key", errUsage)
	}
	val, ok, err := c.GetStringCtx(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "(miss)")
		return nil
	}
	fmt.Fprintln(out, val)
	return nil
}

func cmdSet(ctx context.Context, c *memocache.Cache, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.SetOutput(out)
	ttl := fs.Duration("ttl", 0, "entry TTL; 0 uses the configured default")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: set takes a key and a value", errUsage)
	}
	if err := c.SetStringCtx(ctx, fs.Arg(0), fs.Arg(1), *ttl); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func cmdDelete(ctx context.Context, c *memocache.Cache, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: delete takes one key", errUsage)
	}
	if err := c.DeleteCtx(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func cmdRemember(ctx context.Context, c *memocache.Cache, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("remember", flag.ContinueOnError)
	fs.SetOutput(out)
	ttl := fs.Duration("ttl", time.Minute, "entry TTL")
	delay := fs.Duration("delay", 200*time.Millisecond, "simulated resolver latency")
	value := fs.String("value", "", "value the resolver produces; defaults to a timestamp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: remember takes one key", errUsage)
	}

	computed := false
	start := time.Now()
	val, err := c.RememberStringCtx(ctx, fs.Arg(0), *ttl, func(ctx context.Context) (string, error) {
		computed = true
		return slowValue(ctx, *delay, *value)
	})
	if err != nil {
		return err
	}
	source := "cache"
	if computed {
		source = "resolver"
	}
	fmt.Fprintf(out, "%s (from %s in %s)\n", val, source, time.Since(start).Round(time.Millisecond))
	return nil
}

func cmdStampede(ctx context.Context, c *memocache.Cache, args []string, out io.Writer, log *zap.Logger) error {
	fs := flag.NewFlagSet("stampede", flag.ContinueOnError)
	fs.SetOutput(out)
	n := fs.Int("n", 10, "concurrent callers")
	ttl := fs.Duration("ttl", time.Minute, "entry TTL")
	delay := fs.Duration("delay", 200*time.Millisecond, "simulated resolver latency")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *n < 1 {
		return fmt.Errorf("%w: stampede takes one key and -n >= 1", errUsage)
	}
	key := fs.Arg(0)

	var (
		runs atomic.Int32
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := time.Now()
	for i := 0; i < *n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RememberStringCtx(ctx, key, *ttl, func(ctx context.Context) (string, error) {
				runs.Add(1)
				return slowValue(ctx, *delay, "")
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	log.Info("stampede finished",
		zap.String("key", key),
		zap.Int("callers", *n),
		zap.Int32("resolver_runs", runs.Load()),
		zap.Int("errors", len(errs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	fmt.Fprintf(out, "callers=%d resolver_runs=%d errors=%d\n", *n, runs.Load(), len(errs))
	return errors.Join(errs...)
}

func slowValue(ctx context.Context, delay time.Duration, value string) (string, error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	if value == "" {
		value = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return value, nil
}
