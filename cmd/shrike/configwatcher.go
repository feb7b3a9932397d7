package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/shrike/internal/admin"
	"github.com/0x4D31/shrike/internal/config"
	"github.com/0x4D31/shrike/internal/policy"
	"github.com/0x4D31/shrike/internal/sse"
	"github.com/0x4D31/shrike/internal/watch"
)

func canonicalPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	if rp, err := filepath.EvalSymlinks(abs); err == nil {
		abs = rp
	}
	return abs
}

// listenerSnapshot captures the effective settings of one listener. Gates
// are built immutable, so any change to the snapshot means the listener
// has to be torn down and rebuilt.
type listenerSnapshot struct {
	Bind       string
	SecretFile string
	PolicyFile string
	EventLog   string
	Window     int
	Skew       int
	Inspect    bool
}

func snapshotListener(l config.ListenerConfig, d *config.Defaults) listenerSnapshot {
	eventLog := l.EventLog
	if eventLog == "" && d != nil {
		eventLog = d.EventLog
	}
	policyFile := ""
	if l.PolicyFile != "" {
		policyFile = canonicalPath(l.PolicyFile)
	}
	return listenerSnapshot{
		Bind:       l.Bind,
		SecretFile: l.SecretFile,
		PolicyFile: policyFile,
		EventLog:   eventLog,
		Window:     l.EffectiveWindow(d),
		Skew:       l.EffectiveSkew(d),
		Inspect:    l.Inspect,
	}
}

// watchConfig watches the config file and applies changes in place:
// policy engines reload through the Loader, changed listeners are
// rebuilt, and the SSE and admin servers restart when their blocks
// change.
func watchConfig(ctx context.Context, path string, rt *runtimeState, sseSrv **sse.Server, hub *sse.Hub, adminSrv **admin.Server) error {
	initial, err := config.Load(path)
	if err != nil {
		return err
	}

	prevListeners := make(map[string]listenerSnapshot)
	for _, l := range initial.Listeners {
		prevListeners[l.ID] = snapshotListener(l, initial.Defaults)
	}
	prevDefault := ""
	if initial.Defaults != nil && initial.Defaults.PolicyFile != "" {
		prevDefault = canonicalPath(initial.Defaults.PolicyFile)
	}
	prevSSE := initial.SSE
	prevAdmin := initial.Admin

	errCh, err := watch.Watch(ctx, path, func() error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		var globalEng *policy.Engine
		newDefault := ""
		if cfg.Defaults != nil && cfg.Defaults.PolicyFile != "" {
			globalEng, err = rt.loader.LoadEngine(cfg.Defaults.PolicyFile)
			if err != nil {
				return err
			}
			newDefault = canonicalPath(cfg.Defaults.PolicyFile)
		}
		defaultChanged := newDefault != prevDefault
		prevDefault = newDefault

		current := make(map[string]config.ListenerConfig, len(cfg.Listeners))
		for _, l := range cfg.Listeners {
			current[l.ID] = l
		}

		rt.mu.Lock()
		rt.globalEng = globalEng

		for id := range rt.servers {
			if _, ok := current[id]; !ok {
				cblog.Infof("listener %s removed", id)
				rt.stopListener(id)
				delete(prevListeners, id)
			}
		}

		for _, l := range cfg.Listeners {
			snap := snapshotListener(l, cfg.Defaults)
			old, existed := prevListeners[l.ID]
			if existed && old == snap && !defaultChanged {
				if _, running := rt.servers[l.ID]; running {
					continue
				}
			}
			if existed {
				cblog.Infof("listener %s changed; restarting", l.ID)
				rt.stopListener(l.ID)
			} else {
				cblog.Infof("listener %s added", l.ID)
			}
			svr, err := rt.addListener(l, &cfg, globalEng, hub)
			if err != nil {
				rt.mu.Unlock()
				return err
			}
			if err := svr.Start(); err != nil {
				rt.mu.Unlock()
				return fmt.Errorf("listener %s: %w", l.ID, err)
			}
			rt.servers[l.ID] = svr
			prevListeners[l.ID] = snap
		}
		rt.mu.Unlock()

		referenced := make(map[string]bool)
		if newDefault != "" {
			referenced[newDefault] = true
		}
		for _, l := range cfg.Listeners {
			if l.PolicyFile != "" {
				referenced[canonicalPath(l.PolicyFile)] = true
			}
		}
		rt.loader.PrunePolicies(referenced)

		if sseSrv != nil && hub != nil {
			if !equalSSE(prevSSE, cfg.SSE) {
				if *sseSrv != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					_ = (*sseSrv).Shutdown(ctx)
					cancel()
				}
				var newSrv *sse.Server
				if cfg.SSE != nil && cfg.SSE.Enabled && cfg.SSE.Addr != "" {
					newSrv = sse.NewServer(cfg.SSE.Addr, hub)
					go func() {
						if err := newSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							cblog.Errorf("sse server: %v", err)
						}
					}()
				}
				*sseSrv = newSrv
				prevSSE = cfg.SSE
			}
		}
		if adminSrv != nil {
			if !equalAdmin(prevAdmin, cfg.Admin) {
				if *adminSrv != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					_ = (*adminSrv).Shutdown(ctx)
					cancel()
				}
				var newSrv *admin.Server
				if cfg.Admin != nil && cfg.Admin.Enabled && cfg.Admin.Addr != "" {
					newSrv = admin.New(cfg.Admin.Addr, cfg.Admin.Token, &cfg, nil, nil, nil, "")
					newSrv.Status = rt.statusInfo
					newSrv.Reload = func() error {
						rt.loader.ReloadEngines()
						return nil
					}
					go func() {
						if err := newSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							cblog.Errorf("admin server: %v", err)
						}
					}()
				}
				*adminSrv = newSrv
				rt.adminSrv = newSrv
				prevAdmin = cfg.Admin
			}
		}
		cblog.Infof("config reloaded from %s", path)
		return nil
	})
	if err != nil {
		return err
	}
	go func() {
		for e := range errCh {
			cblog.Errorf("config reload %s failed: %v", path, e)
		}
	}()
	return nil
}

func equalSSE(a, b *config.SSEConfig) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Enabled == b.Enabled && a.Addr == b.Addr
}

func equalAdmin(a, b *config.AdminConfig) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Enabled == b.Enabled && a.Addr == b.Addr && a.Token == b.Token
}
