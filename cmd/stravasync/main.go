// Command stravasync mirrors a Strava athlete's activity history into PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/and161185/stravasync/internal/config"
	"github.com/and161185/stravasync/internal/crypto"
	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/limiter"
	"github.com/and161185/stravasync/internal/metrics"
	"github.com/and161185/stravasync/internal/migrate"
	"github.com/and161185/stravasync/internal/model"
	"github.com/and161185/stravasync/internal/repository/postgres"
	"github.com/and161185/stravasync/internal/service"
	"github.com/and161185/stravasync/internal/strava"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitAuthExpired = 3
	exitLocked      = 4
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprint(w, `stravasync
Usage:
  stravasync [-config file] <cmd> [args]

Commands:
  version
  init                                   apply database migrations
  login                                  authorize access to Strava (opens consent URL)
  sync       [-mode incremental|full]    fetch activities into the database
  status                                 activity count, date range and recent runs
`)
}

// run dispatches subcommands and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stravasync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "YAML config file (default $"+config.PathEnvVar+")")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return exitUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	var mode model.SyncMode
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "stravasync %s (%s)\n", version, buildDate)
		return exitOK
	case "sync":
		m, err := parseSyncFlags(rest, stderr)
		if err != nil {
			return exitUsage
		}
		mode = m
	case "init", "login", "status":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger, stderr)
	if err != nil {
		logger.Error("startup", zap.Error(err))
		return exitFailure
	}
	defer app.close()

	switch cmd {
	case "init":
		err = app.initSchema(ctx, stdout)
	case "login":
		err = app.login(ctx, stdout)
	case "sync":
		err = app.sync(ctx, mode, stdout)
	case "status":
		err = app.status(ctx, stdout)
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
	}
	return exitCode(err)
}

func parseSyncFlags(args []string, stderr io.Writer) (model.SyncMode, error) {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	modeFlag := fs.String("mode", string(model.ModeIncremental), "incremental or full")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	mode, ok := model.ParseSyncMode(*modeFlag)
	if !ok {
		fmt.Fprintf(stderr, "invalid -mode %q: want incremental or full\n", *modeFlag)
		return "", errors.New("invalid mode")
	}
	return mode, nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errs.ErrAuthExpired):
		return exitAuthExpired
	case errors.Is(err, errs.ErrLocked):
		return exitLocked
	default:
		return exitFailure
	}
}

// app holds the wired dependencies of one invocation.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	pool   *pgxpool.Pool
	db     *postgres.DB
	auth   *service.AuthServiceImpl
	stderr io.Writer
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, stderr io.Writer) (*app, error) {
	if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	pool, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db := &postgres.DB{Pool: pool}

	creds := postgres.NewCredentialRepo(db, crypto.NewSealer(cfg.Credentials.Key))
	oauth := strava.NewOAuth(strava.OAuthConfig{
		ClientID:     cfg.Strava.ClientID,
		ClientSecret: cfg.Strava.ClientSecret,
		AuthURL:      cfg.Strava.AuthURL,
		TokenURL:     cfg.Strava.TokenURL,
		RedirectURL:  cfg.Strava.RedirectURL,
		Scope:        cfg.Strava.Scope,
	}, nil)
	recv := &strava.LoopbackReceiver{
		Addr:    cfg.Auth.ListenAddr,
		Timeout: cfg.Auth.Timeout,
		Out:     stderr,
		Log:     logger,
	}
	auth := service.NewAuthService(creds, oauth, recv, service.AuthConfig{
		Account:       cfg.Sync.Account,
		ExpiryMargin:  cfg.Sync.ExpiryMargin,
		RetryAttempts: uint64(cfg.Strava.RetryAttempts),
		RetryBase:     cfg.Strava.RetryBase,
		RetryMax:      cfg.Strava.RetryMax,
	}, logger)

	return &app{cfg: cfg, log: logger, pool: pool, db: db, auth: auth, stderr: stderr}, nil
}

func (a *app) close() { a.db.Close() }

func (a *app) initSchema(ctx context.Context, stdout io.Writer) error {
	v, err := migrate.Version(ctx, a.cfg.Database.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "schema at version %d\n", v)
	return nil
}

func (a *app) login(ctx context.Context, stdout io.Writer) error {
	c, err := a.auth.Login(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "authorized athlete %d, token valid until %s\n", c.AthleteID, c.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

func (a *app) sync(ctx context.Context, mode model.SyncMode, stdout io.Writer) (err error) {
	holder, err := uuid.NewV4()
	if err != nil {
		return err
	}
	var lock limiter.RunLock = limiter.NewPG(a.pool, "sync:"+a.cfg.Sync.Account, a.cfg.Sync.LockTTL)
	if err := lock.Acquire(ctx, holder); err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(ctx), holder); relErr != nil {
			a.log.Warn("release run lock", zap.Error(relErr))
		}
	}()

	client := strava.NewClient(strava.ClientConfig{
		BaseURL:           a.cfg.Strava.BaseURL,
		Timeout:           a.cfg.Strava.RequestTimeout,
		RequestInterval:   a.cfg.Strava.RequestInterval,
		RateLimitRetries:  a.cfg.Strava.RateLimitRetries,
		RateLimitFallback: a.cfg.Strava.RateLimitFallback,
		RetryAttempts:     uint64(a.cfg.Strava.RetryAttempts),
		RetryBase:         a.cfg.Strava.RetryBase,
		RetryMax:          a.cfg.Strava.RetryMax,
	}, a.log)

	svc := service.NewSyncService(a.auth, client,
		postgres.NewActivityRepo(a.db), postgres.NewSyncRunRepo(a.db),
		service.SyncConfig{PageSize: a.cfg.Strava.PageSize, ConvergePages: a.cfg.Sync.ConvergePages},
		a.log)

	run, runErr := svc.Run(ctx, mode)
	printRun(stdout, run)

	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			a.log.Warn("write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}
	if errors.Is(runErr, errs.ErrAuthExpired) {
		fmt.Fprintln(a.stderr, "authorization expired: run `stravasync login` to re-authorize")
	}
	return runErr
}

func printRun(w io.Writer, r model.SyncRun) {
	fmt.Fprintf(w, "%s sync %s: %d created, %d updated, %d pages in %s",
		r.Mode, r.Status, r.Created, r.Updated, r.Pages, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Converged {
		fmt.Fprint(w, " (converged)")
	}
	fmt.Fprintln(w)
}

func (a *app) status(ctx context.Context, stdout io.Writer) error {
	st, err := postgres.NewActivityRepo(a.db).Stats(ctx)
	if err != nil {
		return err
	}
	runs, err := postgres.NewSyncRunRepo(a.db).Recent(ctx, 5)
	if err != nil {
		return err
	}
	printStatus(stdout, st, runs)
	return nil
}

func printStatus(w io.Writer, st model.ActivityStats, runs []model.SyncRun) {
	fmt.Fprintf(w, "Activities: %d\n", st.Count)
	if st.FirstDate != nil && st.LastDate != nil {
		fmt.Fprintf(w, "Date range: %s to %s\n", st.FirstDate.Format("2006-01-02"), st.LastDate.Format("2006-01-02"))
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No sync runs recorded")
		return
	}
	fmt.Fprintln(w, "\nRecent runs:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODE\tSTATUS\tCREATED\tUPDATED\tPAGES\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"), r.Mode, r.Status, r.Created, r.Updated, r.Pages, r.Error)
	}
	_ = tw.Flush()
}
