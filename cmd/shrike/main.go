package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cblog "github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/0x4D31/shrike/internal/admin"
	"github.com/0x4D31/shrike/internal/config"
	"github.com/0x4D31/shrike/internal/loader"
	"github.com/0x4D31/shrike/internal/sse"
)

func main() {
	cmd := &cli.Command{
		Name:  "shrike",
		Usage: "QUIC address-validation gate",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("SHRIKE_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			switch strings.ToLower(cmd.String("log-level")) {
			case "debug":
				cblog.SetLevel(cblog.DebugLevel)
			case "warn":
				cblog.SetLevel(cblog.WarnLevel)
			case "error":
				cblog.SetLevel(cblog.ErrorLevel)
			default:
				cblog.SetLevel(cblog.InfoLevel)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the shrike gate",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Sources: cli.EnvVars("SHRIKE_CONFIG")},
					&cli.StringSliceFlag{Name: "listen", Aliases: []string{"l"}, Sources: cli.EnvVars("SHRIKE_LISTEN"), DefaultText: defaultListenBind},
					&cli.StringFlag{Name: "secret", Aliases: []string{"s"}, Sources: cli.EnvVars("SHRIKE_SECRET_FILE")},
					&cli.StringFlag{Name: "policy", Aliases: []string{"p"}, Sources: cli.EnvVars("SHRIKE_POLICY_FILE"), DefaultText: defaultPolicyFile},
					&cli.StringFlag{Name: "event-log", Aliases: []string{"o"}, Value: defaultEventLog, Sources: cli.EnvVars("SHRIKE_EVENT_LOG")},
					&cli.IntFlag{Name: "window", Value: config.DefaultWindow, Sources: cli.EnvVars("SHRIKE_WINDOW")},
					&cli.IntFlag{Name: "skew", Value: config.DefaultSkew, Sources: cli.EnvVars("SHRIKE_SKEW")},
					&cli.StringFlag{Name: "default-action", Sources: cli.EnvVars("SHRIKE_DEFAULT_ACTION")},
					&cli.BoolFlag{Name: "inspect", Sources: cli.EnvVars("SHRIKE_INSPECT")},
					&cli.BoolFlag{Name: "enable-admin", Value: true, Sources: cli.EnvVars("SHRIKE_ENABLE_ADMIN")},
					&cli.StringFlag{Name: "admin-addr", Sources: cli.EnvVars("SHRIKE_ADMIN_ADDR")},
					&cli.StringFlag{Name: "admin-token", Sources: cli.EnvVars("SHRIKE_ADMIN_TOKEN")},
					&cli.BoolFlag{Name: "enable-sse", Value: true, Sources: cli.EnvVars("SHRIKE_ENABLE_SSE")},
					&cli.StringFlag{Name: "sse-addr", Sources: cli.EnvVars("SHRIKE_SSE_ADDR")},
				},
				Action: serveAction,
			},
			{
				Name:  "check",
				Usage: "validate a config or policy file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Sources: cli.EnvVars("SHRIKE_CONFIG")},
					&cli.StringFlag{Name: "policy", Sources: cli.EnvVars("SHRIKE_POLICY_FILE")},
				},
				Action: checkAction,
			},
			keygenCommand(),
			tokenCommand(),
		},
	}

	cmd.ErrWriter = os.Stderr
	cmd.Writer = os.Stderr

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		cblog.Fatal(err.Error())
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	listenSet := cmd.IsSet("listen")
	configSet := cmd.IsSet("config")

	if listenSet && configSet {
		return errors.New("--config and --listen are mutually exclusive")
	}

	cblog.Infof("starting shrike %s", version)

	var cfg config.Config
	var err error
	var cfgPath string

	if configSet || !listenSet {
		cfgPath = cmd.String("config")
		if cfgPath == "" {
			if _, err := os.Stat(defaultConfigFile); err == nil {
				cfgPath = defaultConfigFile
			} else {
				return errors.New("configuration file required")
			}
		}
		cfg, err = loader.LoadMain(cfgPath)
		if err != nil {
			return err
		}
		cblog.Infof("loaded config from %s", cfgPath)
		ov := loader.Overrides{}
		if cmd.IsSet("policy") {
			ov.PolicyFile = cmd.String("policy")
			ov.PolicyFileSet = true
		}
		if cmd.IsSet("event-log") {
			ov.EventLog = cmd.String("event-log")
			ov.EventLogSet = true
		}
		if cmd.IsSet("window") {
			ov.Window = int(cmd.Int("window"))
			ov.WindowSet = true
		}
		if cmd.IsSet("skew") {
			ov.Skew = int(cmd.Int("skew"))
			ov.SkewSet = true
		}
		if cmd.IsSet("default-action") {
			ov.DefaultAction = cmd.String("default-action")
			ov.DefaultActionSet = true
		}
		if cmd.IsSet("inspect") {
			ov.Inspect = cmd.Bool("inspect")
			ov.InspectSet = true
		}
		if cmd.IsSet("enable-admin") {
			ov.AdminEnabled = cmd.Bool("enable-admin")
			ov.AdminEnabledSet = true
		}
		if cmd.IsSet("admin-addr") {
			ov.AdminAddr = cmd.String("admin-addr")
			ov.AdminAddrSet = true
		}
		if cmd.IsSet("admin-token") {
			ov.AdminToken = cmd.String("admin-token")
			ov.AdminTokenSet = true
		}
		if cmd.IsSet("enable-sse") {
			ov.SSEEnabled = cmd.Bool("enable-sse")
			ov.SSEEnabledSet = true
		}
		if cmd.IsSet("sse-addr") {
			ov.SSEAddr = cmd.String("sse-addr")
			ov.SSEAddrSet = true
		}
		if err := loader.Merge(&cfg, ov); err != nil {
			return err
		}
	} else {
		if cmd.String("secret") == "" {
			return errors.New("--secret required when --listen is used")
		}
		cfg, err = loader.SynthesiseFromFlags(cmd)
		if err != nil {
			return err
		}
		cblog.Info("no config file loaded")
	}

	pf := parsedFlags{
		ConfigPath: cfgPath,
		LogLevel:   strings.ToLower(cmd.String("log-level")),
	}
	if cfg.SSE != nil {
		pf.SSEAddr = cfg.SSE.Addr
		pf.SSEEnabled = cfg.SSE.Enabled
	}
	if cfg.Admin != nil {
		pf.AdminAddr = cfg.Admin.Addr
		pf.AdminEnabled = cfg.Admin.Enabled
		pf.AdminToken = cfg.Admin.Token
	}

	var sseSrv *sse.Server
	var hub *sse.Hub
	if pf.SSEEnabled && pf.SSEAddr != "" {
		sseSrv, hub = NewSSEServer(pf.SSEAddr)
		go func() {
			if err := sseSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cblog.Errorf("sse server: %v", err)
			}
		}()
	}

	var adminSrv *admin.Server

	rt, err := startRuntime(&cfg, pf, hub, &sseSrv, &adminSrv)
	if err != nil {
		return err
	}

	if pf.AdminEnabled && pf.AdminAddr != "" {
		applyFn := func(c config.Config) error {
			cfg = c
			old := rt
			if old != nil {
				// The admin server outlives the runtime being replaced.
				old.adminSrv = nil
			}
			var err error
			rt, err = reloadRuntime(old, &cfg, pf, hub, &sseSrv, &adminSrv)
			if rt != nil {
				rt.adminSrv = adminSrv
			}
			return err
		}
		stopFn := func() { rt.shutdown() }
		adminSrv = admin.New(pf.AdminAddr, pf.AdminToken, &cfg, nil, applyFn, stopFn, pf.ConfigPath)
		adminSrv.Status = func() admin.StatusInfo { return rt.statusInfo() }
		adminSrv.Reload = func() error {
			if rt != nil {
				rt.loader.ReloadEngines()
			}
			return nil
		}
		rt.adminSrv = adminSrv
		go func() {
			if err := adminSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cblog.Errorf("admin server: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	signal.Stop(sigCh)

	if sseSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sseSrv.Shutdown(ctx)
		cancel()
	}
	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminSrv.Shutdown(ctx)
		cancel()
	}
	rt.shutdown()
	return nil
}

func checkAction(ctx context.Context, cmd *cli.Command) error {
	cfgSet := cmd.IsSet("config")
	policySet := cmd.IsSet("policy")
	if cfgSet == policySet {
		return errors.New("specify exactly one of --config or --policy")
	}
	if cfgSet {
		p, err := loader.AbsFromCWD(cmd.String("config"))
		if err != nil {
			return err
		}
		cfg, err := config.Read(p)
		if err != nil {
			return err
		}
		if err := config.Validate(&cfg); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(cmd.ErrWriter, "config valid"); err != nil {
			return err
		}
		return nil
	}
	if _, err := loader.LoadPolicy(cmd.String("policy")); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(cmd.ErrWriter, "policy valid"); err != nil {
		return err
	}
	return nil
}
