package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/0x4D31/shrike/internal/config"
	"github.com/0x4D31/shrike/internal/policy"
)

// Built-in defaults used when synthesising configs.
const (
	DefaultPolicyFile = "configs/default.policy.hcl"
	DefaultEventLog   = "events.jsonl"
	DefaultListenBind = "0.0.0.0:4433"
)

// Overrides contains CLI override values applied when a main config is loaded.
// Zero-value fields are ignored unless the corresponding Set flag is true.
type Overrides struct {
	PolicyFile       string
	PolicyFileSet    bool
	EventLog         string
	EventLogSet      bool
	Window           int
	WindowSet        bool
	Skew             int
	SkewSet          bool
	Inspect          bool
	InspectSet       bool
	DefaultAction    string
	DefaultActionSet bool
	AdminEnabled     bool
	AdminEnabledSet  bool
	AdminAddr        string
	AdminAddrSet     bool
	AdminToken       string
	AdminTokenSet    bool
	SSEEnabled       bool
	SSEEnabledSet    bool
	SSEAddr          string
	SSEAddrSet       bool
}

// AbsFromCWD resolves p against the current working directory when not
// already absolute and returns a canonical absolute path.
func AbsFromCWD(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	abs := filepath.Join(wd, p)
	abs, err = filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	dir, err = filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// LoadMain reads and validates the HCL configuration at path.
func LoadMain(path string) (config.Config, error) {
	return config.Load(path)
}

// LoadPolicy compiles a policy file from path after resolving it to an
// absolute path.
func LoadPolicy(path string) (*policy.RuleSet, error) {
	p, err := AbsFromCWD(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	return policy.LoadHCL(p)
}

// Merge applies CLI overrides to cfg according to precedence rules.
func Merge(cfg *config.Config, ov Overrides) error {
	if cfg.Defaults == nil {
		cfg.Defaults = &config.Defaults{}
	}
	if ov.PolicyFileSet {
		p, err := AbsFromCWD(ov.PolicyFile)
		if err != nil {
			return err
		}
		cfg.Defaults.PolicyFile = p
	}
	if ov.EventLogSet {
		p, err := AbsFromCWD(ov.EventLog)
		if err != nil {
			return err
		}
		cfg.Defaults.EventLog = p
	}
	if ov.WindowSet {
		cfg.Defaults.Window = ov.Window
	}
	if ov.SkewSet {
		cfg.Defaults.Skew = ov.Skew
	}
	if ov.DefaultActionSet {
		cfg.Defaults.DefaultAction = ov.DefaultAction
	}

	if cfg.Admin == nil {
		cfg.Admin = &config.AdminConfig{}
	}
	if ov.AdminEnabledSet {
		cfg.Admin.Enabled = ov.AdminEnabled
		if !cfg.Admin.Enabled {
			cfg.Admin.Addr = ""
		}
	}
	if ov.AdminAddrSet {
		cfg.Admin.Addr = ov.AdminAddr
	}
	if ov.AdminTokenSet {
		cfg.Admin.Token = ov.AdminToken
	}

	if cfg.SSE == nil {
		cfg.SSE = &config.SSEConfig{}
	}
	if ov.SSEEnabledSet {
		cfg.SSE.Enabled = ov.SSEEnabled
		if !cfg.SSE.Enabled {
			cfg.SSE.Addr = ""
		}
	}
	if ov.SSEAddrSet {
		cfg.SSE.Addr = ov.SSEAddr
	}

	// Apply defaults to listeners
	for i := range cfg.Listeners {
		l := &cfg.Listeners[i]
		if l.PolicyFile == "" {
			l.PolicyFile = cfg.Defaults.PolicyFile
		}
		if l.EventLog == "" {
			l.EventLog = cfg.Defaults.EventLog
		}
		if ov.InspectSet {
			l.Inspect = ov.Inspect
		}
	}
	return config.Validate(cfg)
}

// SynthesiseFromFlags builds a config for quick mode from a cli.Command.
func SynthesiseFromFlags(cmd *cli.Command) (config.Config, error) {
	listens := cmd.StringSlice("listen")
	if len(listens) == 0 {
		listens = []string{DefaultListenBind}
	}
	secretFile := cmd.String("secret")
	if secretFile == "" {
		return config.Config{}, fmt.Errorf("--secret required")
	}
	sf, err := AbsFromCWD(secretFile)
	if err != nil {
		return config.Config{}, err
	}
	policyFile := cmd.String("policy")
	if policyFile == "" {
		return config.Config{}, fmt.Errorf("--policy required")
	}
	pf, err := AbsFromCWD(policyFile)
	if err != nil {
		return config.Config{}, err
	}
	eventLog := cmd.String("event-log")
	if eventLog == "" {
		eventLog = DefaultEventLog
	}
	el, err := AbsFromCWD(eventLog)
	if err != nil {
		return config.Config{}, err
	}

	adminEnabled := cmd.Bool("enable-admin")
	adminAddr := cmd.String("admin-addr")
	if adminEnabled && adminAddr == "" {
		adminAddr = config.DefaultAdminAddr
	}

	sseEnabled := cmd.Bool("enable-sse")
	sseAddr := cmd.String("sse-addr")
	if sseEnabled && sseAddr == "" {
		sseAddr = config.DefaultSSEAddr
	}

	cfg := config.Config{
		Defaults: &config.Defaults{
			PolicyFile:    pf,
			EventLog:      el,
			Window:        int(cmd.Int("window")),
			Skew:          int(cmd.Int("skew")),
			DefaultAction: cmd.String("default-action"),
		},
		Admin: &config.AdminConfig{
			Enabled: adminEnabled,
			Addr:    adminAddr,
			Token:   cmd.String("admin-token"),
		},
		SSE: &config.SSEConfig{
			Enabled: sseEnabled,
			Addr:    sseAddr,
		},
	}
	cfg.Listeners = make([]config.ListenerConfig, len(listens))
	for i, addr := range listens {
		cfg.Listeners[i] = config.ListenerConfig{
			ID:         fmt.Sprintf("listener%d", i+1),
			Bind:       addr,
			SecretFile: sf,
			PolicyFile: pf,
			EventLog:   el,
			Inspect:    cmd.Bool("inspect"),
		}
	}
	return cfg, config.Validate(&cfg)
}
