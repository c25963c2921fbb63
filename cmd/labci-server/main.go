// Command labci-server runs the CI dispatcher: it listens for forge
// webhooks, runs a repo's test routines on a single-worker queue, compares
// coverage across commits, and reports status back through a reverse
// tunnel.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/urfave/cli"

	"github.com/labci/dispatcher/internal/config"
	"github.com/labci/dispatcher/internal/dispatch"
	"github.com/labci/dispatcher/internal/executor"
	"github.com/labci/dispatcher/internal/forge"
	"github.com/labci/dispatcher/internal/httpserver"
	"github.com/labci/dispatcher/internal/logger"
	"github.com/labci/dispatcher/internal/metrics"
	"github.com/labci/dispatcher/internal/osutil"
	"github.com/labci/dispatcher/internal/queue"
	"github.com/labci/dispatcher/internal/record"
	"github.com/labci/dispatcher/internal/tunnel"
)

func main() {
	app := cli.NewApp()
	app.Name = "labci-server"
	app.Usage = "self-hosted CI dispatcher"
	app.Commands = []cli.Command{serveCommand}
	app.ErrWriter = os.Stderr

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "labci-server: %v\n", err)
		os.Exit(1)
	}
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "load configuration and serve webhooks until interrupted",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Usage:  "path to the YAML config file",
			EnvVar: "LABCI_CONFIG",
			Value:  "./labci.yaml",
		},
		cli.StringFlag{
			Name:   "tunnel-key",
			Usage:  "path to the SSH private key used to authenticate the reverse tunnel",
			EnvVar: "LABCI_TUNNEL_KEY_PATH",
		},
	},
	Action: func(c *cli.Context) error {
		return serve(c.String("config"), c.String("tunnel-key"))
	},
}

func serve(configPath, tunnelKeyPath string) error {
	l := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stdout), os.Exit)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if lvl, ok := os.LookupEnv("LABCI_LOG_LEVEL"); ok {
		if parsed, err := logger.LevelFromString(lvl); err == nil {
			l.SetLevel(parsed)
		}
	}

	store := record.New(cfg.DBFile, l)
	mc := metrics.New()

	fc, err := forge.New(forge.Config{
		AppID:          cfg.AppID,
		PrivateKeyPath: cfg.PrivateKeyPath,
		ProxyURL:       cfg.ProxyURL,
	}, l)
	if err != nil {
		return fmt.Errorf("initializing forge client: %w", err)
	}
	fc.SetMetrics(mc)

	routines := make([]executor.RoutineRule, 0, len(cfg.Routines))
	for glob, scripts := range cfg.Routines {
		routines = append(routines, executor.RoutineRule{Glob: glob, Scripts: scripts})
	}

	exec := executor.New(executor.Config{
		DataPath:          cfg.DataPath,
		Routines:          routines,
		DefaultRoutine:    cfg.Routines["*"],
		Timeout:           time.Duration(cfg.Timeout) * time.Millisecond,
		MaxDescriptionLen: cfg.MaxDescriptionLen,
		KillProcessTree:   cfg.KillProcessTree,
		Submodules:        cfg.Submodules,
		StrictCoverage:    cfg.StrictCoverage,
		RepoToken:         cfg.CoverallsToken,
		ServiceName:       "labci",
	}, store, l, cfg.CheckoutPath)
	exec.SetMetrics(mc)

	q := queue.New(l, exec.Process)
	exec.SetQueue(q)

	events := make(map[string]dispatch.EventRule, len(cfg.Events))
	for name, rule := range cfg.Events {
		events[name] = dispatch.EventRule{
			Checks:      rule.Checks,
			Actions:     rule.Actions,
			RefIgnore:   rule.RefIgnore,
			FilesIgnore: rule.FilesIgnore,
		}
	}

	dispatcher := &dispatch.Dispatcher{
		AppID:             cfg.AppID,
		Owner:             cfg.RepoOwner,
		Domain:            cfg.Domain,
		MaxDescriptionLen: cfg.MaxDescriptionLen,
		Events:            events,
		Forge:             fc,
		Queue:             q,
		Log:               l,
	}

	// Final status post (§2 data flow: "... D 'finish' -> G final status
	// post"): every job, successful or not, reports its last known status
	// back to the forge unless its data has SkipPost set.
	q.OnFinish(func(_ error, job *queue.Job) {
		data := job.DataSnapshot()
		if data.SkipPost {
			return
		}
		status := string(data.Status)
		if status == "" {
			status = "error"
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fc.UpdateStatus(ctx, data.Owner, data.Repo, data.SHA, status, data.Description, data.Context, "", cfg.MaxDescriptionLen); err != nil {
			l.Warn("failed to post final status for %s@%s: %v", data.Context, data.SHA, err)
		}
	})
	q.OnFinish(func(err error, _ *queue.Job) {
		outcome := "complete"
		if err != nil {
			outcome = "error"
		}
		mc.ObserveJobFinished(outcome)
		mc.SetPileDepth(len(q.Pile()))
	})

	srv := httpserver.New(httpserver.Config{
		AppID:         cfg.AppID,
		WebhookSecret: cfg.WebhookSecret,
		Owner:         cfg.RepoOwner,
		DataPath:      cfg.DataPath,
		StaticDir:     "./static",
		DefaultRepo:   cfg.RepoName,
	}, store, q, fc, dispatcher, mc, l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := newTunnelSupervisor(cfg, tunnelKeyPath, l)
	if err != nil {
		return fmt.Errorf("configuring tunnel: %w", err)
	}

	go func() {
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			l.Error("tunnel supervisor exited: %v", err)
		}
	}()

	select {
	case <-sup.Opened():
	case <-ctx.Done():
		return ctx.Err()
	}

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.ListenPort), Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	l.Notice("labci-server listening on :%d", cfg.ListenPort)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// newTunnelSupervisor builds the reverse tunnel supervisor from the
// process config. A tunnel key path is optional: without one
// $HOME/.ssh/id_rsa is used if it exists, and otherwise a fresh in-memory
// key pair is generated, which is sufficient for connecting to a
// tunnel host that authenticates by subdomain token rather than host-pinned
// public key (the deployment's responsibility to configure).
func newTunnelSupervisor(cfg *config.Config, keyPath string, l logger.Logger) (*tunnel.Supervisor, error) {
	if keyPath == "" {
		if home, err := osutil.UserHomeDir(); err == nil {
			if candidate := filepath.Join(home, ".ssh", "id_rsa"); osutil.FileExists(candidate) {
				keyPath = candidate
			}
		}
	}

	var signer ssh.Signer
	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading tunnel key: %w", err)
		}
		signer, err = ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing tunnel key: %w", err)
		}
	} else {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generating tunnel key: %w", err)
		}
		signer, err = ssh.NewSignerFromKey(key)
		if err != nil {
			return nil, fmt.Errorf("building tunnel signer: %w", err)
		}
	}

	return tunnel.New(tunnel.Config{
		Host:       cfg.TunnelHost,
		Subdomain:  cfg.TunnelSubdomain,
		RemotePort: 443,
		LocalPort:  cfg.ListenPort,
		User:       "labci",
		Signer:     signer,
	}, l), nil
}
