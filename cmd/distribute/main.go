package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"distribute/core"
	"distribute/core/callback"
	"distribute/core/releases"
	"distribute/storage"

	"github.com/spf13/pflag"
)

const usage = `distribute checks for new releases of an application and hands them to the installer.

Usage:
  distribute check            check once and answer any offered release
  distribute open-url <url>   complete update setup with a callback URL
  distribute listen           serve the callback listener and check on a timer
  distribute status           print the persisted update state

Flags:
`

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		printUsage(nil)
		os.Exit(2)
	}
	command := os.Args[1]

	flags := pflag.NewFlagSet("distribute "+command, pflag.ContinueOnError)
	bindFlags(flags)
	if err := flags.Parse(os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(flags)
			return
		}
		log.Fatalf("Invalid arguments: %v", err)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, newBrowserOpener(os.Stdout, cfg.Browser), os.Stdin, os.Stdout, cfg.Prompt && stdioInteractive())
	if err != nil {
		log.Fatalf("Failed to initialize update service: %v", err)
	}
	defer a.close()

	if err := a.run(ctx, command, flags.Args()); err != nil {
		a.close()
		log.Fatalf("%s: %v", command, err)
	}
}

func printUsage(flags *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, usage)
	if flags == nil {
		flags = pflag.NewFlagSet("distribute", pflag.ContinueOnError)
		bindFlags(flags)
	}
	fmt.Fprint(os.Stderr, flags.FlagUsages())
}

type app struct {
	cfg      *AppConfig
	logger   *slog.Logger
	svc      *core.UpdateService
	store    core.StateStore
	delegate *terminalDelegate
	in       *bufio.Reader
	out      io.Writer
	closers  []func() error
}

func newApp(ctx context.Context, cfg *AppConfig, logger *slog.Logger, opener core.URLOpener, in io.Reader, out io.Writer, interactive bool, opts ...core.ServiceOption) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		in:     bufio.NewReader(in),
		out:    out,
	}

	store, closer, err := initStore(ctx, cfg.DB, logger)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.store = store

	settings := core.NewSettings()
	if err := settings.SetAPIURL(cfg.APIURL); err != nil {
		a.close()
		return nil, err
	}
	if err := settings.SetInstallURL(cfg.InstallURL); err != nil {
		a.close()
		return nil, err
	}

	opts = append([]core.ServiceOption{core.WithLogger(logger)}, opts...)
	a.svc, err = core.NewUpdateService(store, releases.NewHTTPClient(), opener, cfg.Core, settings, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.delegate = newTerminalDelegate(out, interactive)
	a.svc.SetDelegate(a.delegate)

	if err := a.svc.Start(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			a.logger.Error("failed to close state store", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "check":
		return a.check(ctx)
	case "open-url":
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one URL argument")
		}
		return a.openURL(ctx, args[0])
	case "listen":
		return a.listen(ctx)
	case "status":
		return a.status(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) check(ctx context.Context) error {
	if err := a.svc.CheckForUpdate(ctx); err != nil {
		return err
	}
	a.settle(ctx)
	return nil
}

func (a *app) openURL(ctx context.Context, rawURL string) error {
	if !a.svc.HandleURL(ctx, rawURL) {
		printState(a.out, a.svc.State())
		return fmt.Errorf("callback was not accepted")
	}
	a.settle(ctx)
	return nil
}

// settle waits for background work, answers an offered release and prints
// where the flow ended up.
func (a *app) settle(ctx context.Context) {
	a.svc.Wait()
	if release, ok := a.delegate.pending(); ok {
		resolve(ctx, a.svc, a.out, a.in, release)
	}
	printState(a.out, a.svc.State())
}

func (a *app) listen(ctx context.Context) error {
	server := callback.NewServer(a.svc, a.logger)
	a.delegate.claim = a.cfg.DecideOverHTTP

	if a.delegate.interactive {
		go promptLoop(ctx, a.svc, a.delegate, a.in)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.svc.Run(ctx)
	}()

	a.logger.Info("callback listener started", "addr", a.cfg.Listen)
	if err := server.ListenAndServe(ctx, a.cfg.Listen); err != nil {
		return err
	}
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.svc.Wait()
	return nil
}

// keyLister is implemented by stores that can enumerate their keys.
type keyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

func (a *app) status(ctx context.Context) error {
	printState(a.out, a.svc.State())
	lister, ok := a.store.(keyLister)
	if !ok {
		return nil
	}
	keys, err := lister.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list stored keys: %w", err)
	}
	fmt.Fprintf(a.out, "Stored keys: %s\n", strings.Join(keys, ", "))
	return nil
}

// initStore opens the configured state store. The returned closer may be nil.
func initStore(ctx context.Context, db DBConfig, logger *slog.Logger) (core.StateStore, func() error, error) {
	switch db.Type {
	case "sqlite":
		store, err := storage.NewSQLiteStore(db.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		logger.Info("using SQLite state store", "path", db.Path)
		return store, store.Close, nil

	case "file":
		store, err := storage.NewFileStore(db.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize file store: %w", err)
		}
		logger.Info("using file state store", "path", db.Path)
		return store, nil, nil

	case "ydb":
		store, err := storage.NewYDBStore(ctx, db.YDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize YDB store: %w", err)
		}
		logger.Info("using YDB state store", "table", db.YDB.Table)
		return store, func() error { return store.Close(context.Background()) }, nil

	case "mock":
		logger.Info("using in-memory state store")
		return storage.NewMockStore(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported db type: %s (supported: sqlite, file, ydb, mock)", db.Type)
	}
}

func printState(out io.Writer, state core.FlowState) {
	fmt.Fprintf(out, "State: %s\n", state.Phase)
	if c := state.Correlation; c != nil {
		fmt.Fprintf(out, "Update setup pending until %s\n", c.ExpiresAt().Local().Format("2006-01-02 15:04"))
	}
	if r := state.Release; r != nil {
		fmt.Fprintf(out, "Release %d (%s) awaiting a decision\n", r.ReleaseID, r.Version)
	}
	if p := state.Postponed; p != nil {
		if p.Indefinite() {
			fmt.Fprintf(out, "Release %d skipped until a newer one appears\n", p.ReleaseID)
		} else {
			fmt.Fprintf(out, "Release %d postponed until %s\n", p.ReleaseID, p.Until.Local().Format("2006-01-02 15:04"))
		}
	}
}
