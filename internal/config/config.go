package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/0x4D31/shrike/internal/policy"
)

const (
	DefaultAdminAddr = "127.0.0.1:9035"
	DefaultSSEAddr   = "127.0.0.1:9036"

	// DefaultWindow is the retry-token lifetime in seconds applied when
	// neither the listener nor the defaults block sets one.
	DefaultWindow = 30
	// DefaultSkew is the accepted future-timestamp drift in seconds.
	DefaultSkew = 2
)

// Config represents the top-level configuration file.
type Config struct {
	Admin     *AdminConfig     `hcl:"admin,block" json:"admin,omitempty"`
	SSE       *SSEConfig       `hcl:"sse,block" json:"sse,omitempty"`
	Defaults  *Defaults        `hcl:"defaults,block" json:"defaults,omitempty"`
	Listeners []ListenerConfig `hcl:"listener,block" json:"listeners,omitempty"`
}

type AdminConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Addr    string `hcl:"addr,optional"`
	Token   string `hcl:"token,optional" json:"token,omitempty"`
}

type SSEConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Addr    string `hcl:"addr,optional"`
}

// Defaults holds optional values inherited by listeners.
type Defaults struct {
	PolicyFile    string `hcl:"policy_file,optional" json:"policy_file,omitempty"`
	EventLog      string `hcl:"event_log,optional" json:"event_log,omitempty"`
	Window        int    `hcl:"window,optional" json:"window,omitempty"`
	Skew          int    `hcl:"skew,optional" json:"skew,omitempty"`
	DefaultAction string `hcl:"default_action,optional" json:"default_action,omitempty"`
}

// ListenerConfig defines a single UDP listener instance.
type ListenerConfig struct {
	ID         string `hcl:",label" json:"id"`
	Bind       string `hcl:"bind" json:"bind"`
	SecretFile string `hcl:"secret_file" json:"secret_file"`
	PolicyFile string `hcl:"policy_file,optional" json:"policy_file,omitempty"`
	EventLog   string `hcl:"event_log,optional" json:"event_log,omitempty"`
	Window     int    `hcl:"window,optional" json:"window,omitempty"`
	Skew       int    `hcl:"skew,optional" json:"skew,omitempty"`
	Inspect    bool   `hcl:"inspect,optional" json:"inspect,omitempty"`
}

// EffectiveWindow returns the token lifetime in seconds for l, falling
// back to the defaults block and then DefaultWindow.
func (l *ListenerConfig) EffectiveWindow(d *Defaults) int {
	if l.Window > 0 {
		return l.Window
	}
	if d != nil && d.Window > 0 {
		return d.Window
	}
	return DefaultWindow
}

// EffectiveSkew returns the accepted clock drift in seconds for l,
// falling back to the defaults block and then DefaultSkew.
func (l *ListenerConfig) EffectiveSkew(d *Defaults) int {
	if l.Skew > 0 {
		return l.Skew
	}
	if d != nil && d.Skew > 0 {
		return d.Skew
	}
	return DefaultSkew
}

// PolicySetInfo describes a policy file and the listeners referencing it.
type PolicySetInfo struct {
	ID        string   `json:"id"`
	Path      string   `json:"path"`
	Listeners []string `json:"listeners"`
}

// EnumeratePolicies returns info for all policy files referenced by cfg.
// The returned slice is sorted by path and stable across invocations.
func EnumeratePolicies(cfg *Config) []PolicySetInfo {
	if cfg == nil {
		return nil
	}
	refs := make(map[string][]string)
	if cfg.Defaults != nil && cfg.Defaults.PolicyFile != "" {
		refs[cfg.Defaults.PolicyFile] = append(refs[cfg.Defaults.PolicyFile], "defaults")
	}
	for _, l := range cfg.Listeners {
		pf := l.PolicyFile
		if pf == "" && cfg.Defaults != nil {
			pf = cfg.Defaults.PolicyFile
		}
		if pf != "" {
			refs[pf] = append(refs[pf], l.ID)
		}
	}
	paths := make([]string, 0, len(refs))
	for p := range refs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]PolicySetInfo, 0, len(paths))
	for i, p := range paths {
		id := fmt.Sprintf("p%d", i+1)
		out = append(out, PolicySetInfo{ID: id, Path: p, Listeners: refs[p]})
	}
	return out
}

// ResolvePaths updates all path fields in cfg to be absolute by joining them
// with baseDir when they are not already absolute. baseDir is resolved to its
// absolute, symlink-free form before joining, mirroring the behavior of Read.
func ResolvePaths(cfg *Config, baseDir string) error {
	if cfg == nil {
		return nil
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	baseDir = abs

	if cfg.Defaults != nil {
		if cfg.Defaults.PolicyFile != "" && !filepath.IsAbs(cfg.Defaults.PolicyFile) {
			cfg.Defaults.PolicyFile = filepath.Join(baseDir, cfg.Defaults.PolicyFile)
		}
		if cfg.Defaults.EventLog != "" && !filepath.IsAbs(cfg.Defaults.EventLog) {
			cfg.Defaults.EventLog = filepath.Join(baseDir, cfg.Defaults.EventLog)
		}
	}
	for i := range cfg.Listeners {
		l := &cfg.Listeners[i]
		if l.SecretFile != "" && !filepath.IsAbs(l.SecretFile) {
			l.SecretFile = filepath.Join(baseDir, l.SecretFile)
		}
		if l.PolicyFile != "" && !filepath.IsAbs(l.PolicyFile) {
			l.PolicyFile = filepath.Join(baseDir, l.PolicyFile)
		}
		if l.EventLog != "" && !filepath.IsAbs(l.EventLog) {
			l.EventLog = filepath.Join(baseDir, l.EventLog)
		}
	}
	return nil
}

// Read parses the HCL configuration from path without validating mandatory
// fields. Relative paths are resolved against the configuration file's
// directory.
func Read(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve path: %w", err)
	}
	absPath, err = filepath.EvalSymlinks(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("resolve path: %w", err)
	}

	var cfg Config
	if err := hclsimple.DecodeFile(absPath, nil, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	if err := ResolvePaths(&cfg, filepath.Dir(absPath)); err != nil {
		return Config{}, err
	}
	if cfg.Admin != nil && cfg.Admin.Enabled && cfg.Admin.Addr == "" {
		cfg.Admin.Addr = DefaultAdminAddr
	}
	if cfg.SSE != nil && cfg.SSE.Enabled && cfg.SSE.Addr == "" {
		cfg.SSE.Addr = DefaultSSEAddr
	}
	return cfg, nil
}

func validAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p <= 65535
}

// Validate checks that cfg contains all mandatory fields, no duplicate
// listener IDs or bind addresses, and that every referenced policy file
// compiles.
func Validate(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener required")
	}
	if cfg.Admin != nil && cfg.Admin.Enabled {
		if cfg.Admin.Addr == "" {
			return fmt.Errorf("admin.addr required when admin.enabled is true")
		}
		if !validAddr(cfg.Admin.Addr) {
			return fmt.Errorf("admin.addr invalid")
		}
	}
	if cfg.SSE != nil && cfg.SSE.Enabled {
		if cfg.SSE.Addr == "" {
			return fmt.Errorf("sse.addr required when sse.enabled is true")
		}
		if !validAddr(cfg.SSE.Addr) {
			return fmt.Errorf("sse.addr invalid")
		}
	}
	if cfg.Defaults != nil {
		if cfg.Defaults.Window < 0 {
			return fmt.Errorf("defaults.window must be >= 0")
		}
		if cfg.Defaults.Skew < 0 {
			return fmt.Errorf("defaults.skew must be >= 0")
		}
		if cfg.Defaults.DefaultAction != "" {
			a := cfg.Defaults.DefaultAction
			if a != string(policy.ActionAccept) && a != string(policy.ActionRetry) && a != string(policy.ActionDrop) {
				return fmt.Errorf("defaults.default_action must be accept, retry or drop")
			}
		}
	}

	ids := make(map[string]struct{})
	binds := make(map[string]struct{})
	for i := range cfg.Listeners {
		l := &cfg.Listeners[i]
		if l.ID == "" {
			return fmt.Errorf("listener index %d: missing id", i)
		}
		if _, ok := ids[l.ID]; ok {
			return fmt.Errorf("duplicate listener id %s", l.ID)
		}
		ids[l.ID] = struct{}{}
		if l.Bind == "" {
			return fmt.Errorf("listener %s: missing bind address", l.ID)
		}
		if !validAddr(l.Bind) {
			return fmt.Errorf("listener %s: invalid bind address", l.ID)
		}
		if _, ok := binds[l.Bind]; ok {
			return fmt.Errorf("duplicate bind address %s", l.Bind)
		}
		binds[l.Bind] = struct{}{}
		if l.SecretFile == "" {
			return fmt.Errorf("listener %s: missing secret_file path", l.ID)
		}
		info, err := os.Stat(l.SecretFile)
		if err != nil {
			return fmt.Errorf("listener %s: secret_file: %w (paths are resolved relative to the configuration file)", l.ID, err)
		}
		if info.IsDir() {
			return fmt.Errorf("listener %s: secret_file must be a file", l.ID)
		}
		if l.Window < 0 {
			return fmt.Errorf("listener %s: window must be >= 0", l.ID)
		}
		if l.Skew < 0 {
			return fmt.Errorf("listener %s: skew must be >= 0", l.ID)
		}
		if l.PolicyFile == "" && (cfg.Defaults == nil || cfg.Defaults.PolicyFile == "") {
			return fmt.Errorf("listener %s: missing policy_file path and no defaults.policy_file", l.ID)
		}
	}

	// Compile every referenced policy file so rule errors surface at
	// startup rather than on first reload.
	policyFiles := make(map[string]struct{})
	if cfg.Defaults != nil && cfg.Defaults.PolicyFile != "" {
		policyFiles[cfg.Defaults.PolicyFile] = struct{}{}
	}
	for _, l := range cfg.Listeners {
		if l.PolicyFile != "" {
			policyFiles[l.PolicyFile] = struct{}{}
		}
	}
	for path := range policyFiles {
		if _, err := policy.LoadHCL(path); err != nil {
			return fmt.Errorf("load policy %s: %w", path, err)
		}
	}
	return nil
}

// Load reads and validates the HCL configuration from path.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadJSON parses the JSON configuration from path without validating
// mandatory fields. Relative paths are resolved against the configuration
// file's directory.
func ReadJSON(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve path: %w", err)
	}
	absPath, err = filepath.EvalSymlinks(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("resolve path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	if err := ResolvePaths(&cfg, filepath.Dir(absPath)); err != nil {
		return Config{}, err
	}
	if cfg.Admin != nil && cfg.Admin.Enabled && cfg.Admin.Addr == "" {
		cfg.Admin.Addr = DefaultAdminAddr
	}
	if cfg.SSE != nil && cfg.SSE.Enabled && cfg.SSE.Addr == "" {
		cfg.SSE.Addr = DefaultSSEAddr
	}
	return cfg, nil
}

// LoadJSON reads and validates the JSON configuration from path.
func LoadJSON(path string) (Config, error) {
	cfg, err := ReadJSON(path)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteJSON writes cfg encoded as JSON to path.
func WriteJSON(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
