package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/shrike/internal/policy"
	"github.com/0x4D31/shrike/internal/sse"
	"github.com/0x4D31/shrike/internal/watch"
)

// Loader manages policy engines and their file watchers. Engines are
// shared by canonical path, so listeners referencing the same policy
// file evaluate one compiled rule set.
type Loader struct {
	mu         sync.RWMutex
	engineMap  map[string]*policy.Engine
	watchMap   map[string]context.CancelFunc
	defaultAct policy.Action
}

// NewLoader creates a Loader for the given default policy action.
func NewLoader(defaultAction string) *Loader {
	return &Loader{
		engineMap:  make(map[string]*policy.Engine),
		watchMap:   make(map[string]context.CancelFunc),
		defaultAct: policy.Action(defaultAction),
	}
}

// LoadEngine loads a policy file from path and watches it for changes.
func (l *Loader) LoadEngine(path string) (*policy.Engine, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("abs %s: %w", path, err)
	}
	p, err = filepath.EvalSymlinks(p)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks %s: %w", p, err)
	}
	l.mu.RLock()
	eng, ok := l.engineMap[p]
	watching := false
	if ok {
		_, watching = l.watchMap[p]
	}
	l.mu.RUnlock()
	if ok {
		if !watching {
			if err := l.startWatch(p, eng); err != nil {
				return nil, err
			}
		}
		return eng, nil
	}
	eng = &policy.Engine{DefaultAction: l.defaultAct}
	if err := eng.LoadFromFile(p); err != nil {
		return nil, fmt.Errorf("load policy %s: %w", p, err)
	}
	if err := l.startWatch(p, eng); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.engineMap[p] = eng
	l.mu.Unlock()
	return eng, nil
}

func (l *Loader) startWatch(p string, eng *policy.Engine) error {
	wCtx, cancel := context.WithCancel(context.Background())
	errCh, err := watch.Watch(wCtx, p, func() error { return eng.LoadFromFile(p) })
	if err != nil {
		cancel()
		return fmt.Errorf("watch policy %s: %w", p, err)
	}
	go func() {
		for e := range errCh {
			cblog.Errorf("policy reload %s failed: %v", p, e)
		}
	}()
	l.mu.Lock()
	l.watchMap[p] = cancel
	l.mu.Unlock()
	return nil
}

// CancelWatchers stops all active watchers.
func (l *Loader) CancelWatchers() {
	l.mu.RLock()
	for _, cancel := range l.watchMap {
		cancel()
	}
	l.mu.RUnlock()
}

// CancelWatcher stops watching the specified path if active.
func (l *Loader) CancelWatcher(path string) {
	p, err := filepath.Abs(path)
	if err != nil {
		return
	}
	p, err = filepath.EvalSymlinks(p)
	if err != nil {
		return
	}
	l.mu.Lock()
	if cancel, ok := l.watchMap[p]; ok {
		cancel()
		delete(l.watchMap, p)
	}
	l.mu.Unlock()
}

// RemoveWatch is an alias for CancelWatcher.
func (l *Loader) RemoveWatch(path string) { l.CancelWatcher(path) }

// UnloadEngine stops watching the provided policy file and removes it
// from the loader.
func (l *Loader) UnloadEngine(path string) {
	p, err := filepath.Abs(path)
	if err == nil {
		if rp, e := filepath.EvalSymlinks(p); e == nil {
			p = rp
		}
	}

	l.mu.Lock()
	if cancel, ok := l.watchMap[p]; ok {
		cancel()
		delete(l.watchMap, p)
	}
	delete(l.engineMap, p)
	l.mu.Unlock()
}

// PrunePolicies unloads every engine whose canonical path is absent
// from keep. Called after a config reload with the set of policy files
// the new config still references.
func (l *Loader) PrunePolicies(keep map[string]bool) {
	l.mu.Lock()
	for p := range l.engineMap {
		if keep[p] {
			continue
		}
		if cancel, ok := l.watchMap[p]; ok {
			cancel()
			delete(l.watchMap, p)
		}
		delete(l.engineMap, p)
	}
	l.mu.Unlock()
}

// ReloadEngines reloads all loaded policy engines from disk.
func (l *Loader) ReloadEngines() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for path, eng := range l.engineMap {
		if err := eng.LoadFromFile(path); err != nil {
			cblog.Errorf("manual reload %s failed: %v", path, err)
		} else {
			cblog.Infof("policy reloaded for %s", path)
		}
	}
}

// NewSSEServer creates an SSE hub and server bound to addr.
func NewSSEServer(addr string) (*sse.Server, *sse.Hub) {
	hub := sse.NewHub()
	srv := sse.NewServer(addr, hub)
	return srv, hub
}
