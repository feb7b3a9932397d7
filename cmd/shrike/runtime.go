package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/shrike/internal/admin"
	"github.com/0x4D31/shrike/internal/config"
	"github.com/0x4D31/shrike/internal/gate"
	"github.com/0x4D31/shrike/internal/logger"
	"github.com/0x4D31/shrike/internal/policy"
	"github.com/0x4D31/shrike/internal/sse"
	"github.com/0x4D31/shrike/pkg/token"
)

// version is overridden at build time using -ldflags "-X main.version=<version>"
// when building release binaries. It defaults to "dev" for local builds.
var version = "dev"

type runtimeState struct {
	mu          sync.RWMutex
	servers     map[string]*gate.Server
	logPaths    map[string]string
	loader      *Loader
	loggers     map[string]*logRef
	adminSrv    *admin.Server
	globalEng   *policy.Engine
	watchCancel context.CancelFunc
	hup         chan os.Signal
	pf          parsedFlags
}

type logRef struct {
	l   *logger.Logger
	ref int
}

// readSecret loads a listener secret from path: either 32 raw bytes or
// their hex encoding, surrounding whitespace ignored.
func readSecret(path string) (token.Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return token.Secret{}, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == token.SecretLen {
		return token.SecretFromBytes(trimmed)
	}
	return token.ParseSecret(string(trimmed))
}

func newRuntime(cfg *config.Config, pf parsedFlags, hub *sse.Hub, sseSrv **sse.Server, adminSrv **admin.Server) (*runtimeState, error) {
	rt := &runtimeState{pf: pf}
	defaultAction := ""
	if cfg.Defaults != nil {
		defaultAction = cfg.Defaults.DefaultAction
	}
	rt.loader = NewLoader(defaultAction)

	rt.servers = make(map[string]*gate.Server)
	rt.loggers = make(map[string]*logRef)
	rt.logPaths = make(map[string]string)

	var globalEng *policy.Engine
	var err error
	if cfg.Defaults != nil && cfg.Defaults.PolicyFile != "" {
		globalEng, err = rt.loader.LoadEngine(cfg.Defaults.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy %s: %w", cfg.Defaults.PolicyFile, err)
		}
	}
	rt.globalEng = globalEng

	watchCtx, watchCancel := context.WithCancel(context.Background())
	rt.watchCancel = watchCancel
	if pf.ConfigPath != "" {
		if err := watchConfig(watchCtx, pf.ConfigPath, rt, sseSrv, hub, adminSrv); err != nil {
			return nil, err
		}
	}

	for _, l := range cfg.Listeners {
		svr, err := rt.addListener(l, cfg, globalEng, hub)
		if err != nil {
			return nil, err
		}
		rt.servers[l.ID] = svr
	}

	rt.hup = make(chan os.Signal, 1)
	signal.Notify(rt.hup, syscall.SIGHUP)
	go func() {
		for range rt.hup {
			rt.loader.ReloadEngines()
		}
	}()

	return rt, nil
}

func (rt *runtimeState) addListener(l config.ListenerConfig, cfg *config.Config, globalEng *policy.Engine, hub *sse.Hub) (*gate.Server, error) {
	if l.EventLog == "" && cfg.Defaults != nil {
		l.EventLog = cfg.Defaults.EventLog
	}

	var localEng *policy.Engine
	if l.PolicyFile != "" {
		var err error
		localEng, err = rt.loader.LoadEngine(l.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy %s: %w", l.PolicyFile, err)
		}
	}

	var lgr *logger.Logger
	if lr, ok := rt.loggers[l.EventLog]; ok {
		lgr = lr.l
		lr.ref++
	} else {
		var err error
		if strings.ToLower(rt.pf.LogLevel) == "debug" {
			lgr, err = logger.NewWithStdout(l.EventLog)
		} else {
			lgr, err = logger.New(l.EventLog)
		}
		if err != nil {
			return nil, fmt.Errorf("logger %s: %w", l.ID, err)
		}
		rt.loggers[l.EventLog] = &logRef{l: lgr, ref: 1}
	}

	sec, err := readSecret(l.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("listener %s secret: %w", l.ID, err)
	}

	g := gate.New(gate.Config{
		ID:      l.ID,
		Secret:  sec,
		Window:  time.Duration(l.EffectiveWindow(cfg.Defaults)) * time.Second,
		Skew:    time.Duration(l.EffectiveSkew(cfg.Defaults)) * time.Second,
		Inspect: l.Inspect,
		Local:   localEng,
		Global:  globalEng,
		Logger:  lgr,
		Hub:     hub,
	})
	if localEng == nil && globalEng == nil {
		cblog.Warnf("no policy engine loaded for listener %s; unvalidated initials are accepted", l.ID)
	}
	rt.logPaths[l.ID] = l.EventLog
	return gate.NewServer(l.Bind, g), nil
}

// releaseLogger drops the listener's reference on its shared event log,
// closing the log once the last listener lets go.
func (rt *runtimeState) releaseLogger(id string) {
	if path, ok := rt.logPaths[id]; ok {
		if lr, ok := rt.loggers[path]; ok {
			lr.ref--
			if lr.ref == 0 {
				if err := lr.l.Close(); err != nil {
					cblog.Errorf("close logger %s: %v", path, err)
				}
				delete(rt.loggers, path)
			}
		}
		delete(rt.logPaths, id)
	}
}

// stopListener shuts one listener down and releases its resources.
// Callers coordinating with the admin status handler hold rt.mu.
func (rt *runtimeState) stopListener(id string) {
	if s, ok := rt.servers[id]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Shutdown(ctx); err != nil {
			cblog.Errorf("shutdown %s: %v", id, err)
		}
		cancel()
		s.Gate().Close()
		delete(rt.servers, id)
	}
	rt.releaseLogger(id)
}

func (rt *runtimeState) Start() error {
	ids := make([]string, 0, len(rt.servers))
	for id := range rt.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := rt.servers[id].Start(); err != nil {
			return fmt.Errorf("listener %s: %w", id, err)
		}
	}
	return nil
}

func startRuntime(cfg *config.Config, pf parsedFlags, hub *sse.Hub, sseSrv **sse.Server, adminSrv **admin.Server) (*runtimeState, error) {
	rt, err := newRuntime(cfg, pf, hub, sseSrv, adminSrv)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(); err != nil {
		rt.shutdown()
		return nil, err
	}
	return rt, nil
}

// reloadRuntime replaces a running runtime with one built from cfg. The
// old runtime is stopped first so the new listeners can bind the same
// addresses; on failure nothing is left running and the caller decides
// how to recover.
func reloadRuntime(old *runtimeState, cfg *config.Config, pf parsedFlags, hub *sse.Hub, sseSrv **sse.Server, adminSrv **admin.Server) (*runtimeState, error) {
	if old != nil {
		old.shutdown()
	}
	return startRuntime(cfg, pf, hub, sseSrv, adminSrv)
}

// statusInfo snapshots every listener's counters for the admin API.
func (rt *runtimeState) statusInfo() admin.StatusInfo {
	var st admin.StatusInfo
	if rt == nil {
		return st
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]string, 0, len(rt.servers))
	for id := range rt.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := rt.servers[id]
		g := s.Gate()
		gs := g.Stats()
		st.Listeners = append(st.Listeners, admin.ListenerStatus{
			ID:            id,
			Bind:          s.Addr,
			Inspect:       g.Inspecting(),
			Accepted:      gs.Accepted,
			Retried:       gs.Retried,
			Dropped:       gs.Dropped,
			Resets:        gs.Resets,
			TokensIssued:  gs.TokensIssued,
			TokensValid:   gs.TokensValid,
			TokensInvalid: gs.TokensInvalid,
		})
	}
	return st
}

func (rt *runtimeState) shutdown() {
	if rt == nil {
		return
	}
	rt.loader.CancelWatchers()
	if rt.watchCancel != nil {
		rt.watchCancel()
	}
	if rt.hup != nil {
		signal.Stop(rt.hup)
		close(rt.hup)
		rt.hup = nil
	}

	rt.mu.Lock()
	for id := range rt.servers {
		rt.stopListener(id)
	}
	rt.mu.Unlock()

	if rt.adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.adminSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cblog.Errorf("shutdown admin: %v", err)
		}
		cancel()
	}

	rt.mu.Lock()
	for p, lr := range rt.loggers {
		if err := lr.l.Close(); err != nil {
			cblog.Errorf("close logger %s: %v", p, err)
		}
	}
	rt.loggers = make(map[string]*logRef)
	rt.mu.Unlock()
}
