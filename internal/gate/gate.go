// Package gate decides the fate of inbound datagrams for a listener:
// Initials without a token are evaluated against the policy engines
// and answered with a retry packet when address validation is wanted,
// Initials echoing a token are validated and handed on with the
// original destination CID, and short-header packets of unknown
// connections yield stateless reset material. The gate keeps no
// per-connection state and takes no locks on the datagram path.
package gate

import (
	"encoding/hex"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/shrike/internal/logger"
	"github.com/0x4D31/shrike/internal/packet"
	"github.com/0x4D31/shrike/internal/policy"
	"github.com/0x4D31/shrike/internal/sse"
	"github.com/0x4D31/shrike/pkg/token"
	"github.com/0x4D31/shrike/pkg/wire"
)

// DefaultWindow is the retry-token lifetime applied when the
// configuration does not set one.
const DefaultWindow = 30 * time.Second

// Verdict is what the caller should do with a datagram.
type Verdict uint8

const (
	VerdictAccept Verdict = iota
	VerdictRetry
	VerdictDrop
	VerdictReset
)

var verdictNames = [...]string{"accept", "retry", "drop", "reset"}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "unknown"
}

// Decision carries a verdict plus the material the caller needs to act
// on it: the outbound retry datagram, the original CID recovered from
// a redeemed token, or the stateless reset token for the packet's CID.
type Decision struct {
	Verdict Verdict

	// Retry is the complete outbound datagram for VerdictRetry.
	Retry []byte

	// OCID is the original destination CID sealed into a redeemed
	// token, set for VerdictAccept when the Initial carried a token.
	// It may be empty: zero-length CIDs are valid.
	OCID token.CID

	// Reset is the stateless reset token for VerdictReset. Building
	// the reply datagram around it is the caller's job.
	Reset [token.ResetTokenLen]byte
}

// Config assembles a Gate. Secret is mandatory; everything else has a
// usable zero value.
type Config struct {
	ID     string
	Secret token.Secret

	// Window bounds token freshness; Skew is the accepted future
	// drift of a token timestamp. Zero values fall back to
	// DefaultWindow and no skew.
	Window time.Duration
	Skew   time.Duration

	// CIDLen is the length of server-issued connection IDs: the
	// fresh CID minted into retry packets and the prefix read from
	// short-header packets. Out-of-range values fall back to
	// token.DefaultRetryCIDLen.
	CIDLen int

	// Inspect enables ClientHello extraction from Initials so rules
	// can match on SNI, ALPN, JA3 and JA4.
	Inspect bool

	Local  *policy.Engine
	Global *policy.Engine
	Logger *logger.Logger
	Hub    *sse.Hub
}

// Gate runs the decision flow for one listener. The secret and codec
// are immutable after New; counters are atomic; policy engines guard
// themselves. Safe for concurrent Handle calls.
type Gate struct {
	ID string

	codec  *token.Codec
	secret token.Secret
	local  *policy.Engine
	global *policy.Engine
	logger *logger.Logger
	hub    *sse.Hub
	parser *packet.Parser

	window uint64
	cidLen int
	now    func() uint64

	accepted      atomic.Uint64
	retried       atomic.Uint64
	dropped       atomic.Uint64
	resets        atomic.Uint64
	tokensIssued  atomic.Uint64
	tokensValid   atomic.Uint64
	tokensInvalid atomic.Uint64
}

// New builds a Gate from cfg.
func New(cfg Config) *Gate {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	cidLen := cfg.CIDLen
	if cidLen < token.MinCIDLen || cidLen > token.MaxCIDLen {
		cidLen = token.DefaultRetryCIDLen
	}
	opts := []token.Option{
		token.WithRetryWriter(wire.Writer{}),
		token.WithRetryCIDLen(cidLen),
	}
	if cfg.Skew > 0 {
		opts = append(opts, token.WithClockSkew(uint64(cfg.Skew)))
	}
	g := &Gate{
		ID:     cfg.ID,
		codec:  token.NewCodec(cfg.Secret, opts...),
		secret: cfg.Secret,
		local:  cfg.Local,
		global: cfg.Global,
		logger: cfg.Logger,
		hub:    cfg.Hub,
		window: uint64(window),
		cidLen: cidLen,
		now:    func() uint64 { return uint64(time.Now().UnixNano()) },
	}
	if cfg.Inspect {
		g.parser = packet.NewParser()
	}
	return g
}

// Close releases the inspection parser, if any.
func (g *Gate) Close() {
	if g.parser != nil {
		g.parser.Close()
	}
}

// Inspecting reports whether the gate decrypts Initial payloads for
// ClientHello matching.
func (g *Gate) Inspecting() bool {
	return g.parser != nil
}

// Stats is a point-in-time snapshot of the gate counters.
type Stats struct {
	Accepted      uint64
	Retried       uint64
	Dropped       uint64
	Resets        uint64
	TokensIssued  uint64
	TokensValid   uint64
	TokensInvalid uint64
}

func (g *Gate) Stats() Stats {
	return Stats{
		Accepted:      g.accepted.Load(),
		Retried:       g.retried.Load(),
		Dropped:       g.dropped.Load(),
		Resets:        g.resets.Load(),
		TokensIssued:  g.tokensIssued.Load(),
		TokensValid:   g.tokensValid.Load(),
		TokensInvalid: g.tokensInvalid.Load(),
	}
}

func emojiForAction(action policy.Action) string {
	switch action {
	case policy.ActionAccept:
		return "✅"
	case policy.ActionRetry:
		return "↪️"
	case policy.ActionDrop:
		return "⛔"
	default:
		return "❓"
	}
}

// Handle decides one datagram. local and remote are the socket
// endpoints the datagram traveled between; remote is the address any
// minted token is bound to.
func (g *Gate) Handle(datagram []byte, local, remote netip.AddrPort) Decision {
	now := g.now()
	srcIP := remote.Addr().Unmap()

	h, err := packet.ParseHeader(datagram)
	if err != nil {
		g.dropped.Add(1)
		g.emit(logger.Event{
			SrcIP:    srcIP.String(),
			SrcPort:  int(remote.Port()),
			Decision: policy.ActionDrop,
			Outcome:  "parse-error",
			Reason:   err.Error(),
		})
		return Decision{Verdict: VerdictDrop}
	}

	ev := logger.Event{
		SrcIP:      srcIP.String(),
		SrcPort:    int(remote.Port()),
		Version:    h.Version,
		PacketType: h.Kind.String(),
		DCID:       hex.EncodeToString(h.DCID),
	}

	switch {
	case h.Kind == packet.KindShort:
		cid, err := packet.ShortHeaderCID(datagram, g.cidLen)
		if err != nil {
			g.dropped.Add(1)
			ev.Decision = policy.ActionDrop
			ev.Outcome = "ignored"
			g.emit(ev)
			return Decision{Verdict: VerdictDrop}
		}
		g.resets.Add(1)
		ev.DCID = hex.EncodeToString(cid)
		ev.Decision = policy.ActionDrop
		ev.Outcome = "stateless-reset"
		g.emit(ev)
		return Decision{Verdict: VerdictReset, Reset: token.ResetToken(g.secret, token.CID(cid))}

	case h.Kind != packet.KindInitial:
		g.dropped.Add(1)
		ev.Decision = policy.ActionDrop
		ev.Outcome = "ignored"
		g.emit(ev)
		return Decision{Verdict: VerdictDrop}
	}

	addr := token.AddrBytes(remote)

	if h.HasToken() {
		ev.TokenLen = len(h.Token)
		ocid, err := g.codec.Validate(h.Token, addr, g.window, now)
		if err != nil {
			g.tokensInvalid.Add(1)
			g.dropped.Add(1)
			ev.Decision = policy.ActionDrop
			if errors.Is(err, token.ErrDerivation) {
				ev.Outcome = "derive-error"
				cblog.WithPrefix("GATE").Errorf("token key derivation: %v", err)
			} else {
				ev.Outcome = "token-invalid"
			}
			g.emit(ev)
			return Decision{Verdict: VerdictDrop}
		}
		g.tokensValid.Add(1)
		g.accepted.Add(1)
		ev.Decision = policy.ActionAccept
		ev.Outcome = "token-valid"
		ev.OCID = ocid.String()
		g.emit(ev)
		return Decision{Verdict: VerdictAccept, OCID: ocid}
	}

	ctx := g.packetCtx(h, datagram, srcIP, remote.Port())
	action, ruleID, matched := policy.EvalComposite(g.local, g.global, ctx)

	if matched != nil || g.global != nil {
		kind := lipgloss.NewStyle().Foreground(lipgloss.Color("69")).Render(h.Kind.String())
		hostColored := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render(srcIP.String())
		dispID := ruleID
		if dispID == "" {
			dispID = "default"
		}
		ruleColored := lipgloss.NewStyle().Foreground(lipgloss.Color("69")).Render(dispID)
		actionColored := lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Render(string(action))
		cblog.WithPrefix("GATE").Infof("%s  %s packet from %s matched %s rule, action: %s",
			emojiForAction(action), kind, hostColored, ruleColored, actionColored,
		)
	}

	ev.Decision = action
	ev.RuleID = ruleID
	if ev.RuleID == "" && (g.local != nil || g.global != nil) {
		ev.RuleID = "default"
	}
	ev.SNI = ctx.SNI
	ev.ALPN = ctx.ALPN
	ev.JA3 = ctx.JA3
	ev.JA4 = ctx.JA4

	switch action {
	case policy.ActionAccept:
		g.accepted.Add(1)
		ev.Outcome = "policy"
		g.emit(ev)
		return Decision{Verdict: VerdictAccept}
	case policy.ActionDrop:
		g.dropped.Add(1)
		ev.Outcome = "policy"
		g.emit(ev)
		return Decision{Verdict: VerdictDrop}
	}

	pkt, err := g.codec.BuildRetry(h.Version, token.CID(h.DCID), token.CID(h.SCID), token.AddrBytes(local), addr, now)
	if err != nil {
		g.dropped.Add(1)
		cblog.WithPrefix("GATE").Errorf("build retry: %v", err)
		ev.Decision = policy.ActionDrop
		ev.Outcome = "retry-error"
		ev.Reason = err.Error()
		g.emit(ev)
		return Decision{Verdict: VerdictDrop}
	}
	g.tokensIssued.Add(1)
	g.retried.Add(1)
	ev.Outcome = "retry-sent"
	g.emit(ev)
	return Decision{Verdict: VerdictRetry, Retry: pkt}
}

// packetCtx assembles the policy view of an Initial. When inspection
// is on, a ClientHello that cannot be extracted (split across missing
// datagrams, undecryptable) leaves the fingerprint fields empty and
// rules fall through to the packet facts.
func (g *Gate) packetCtx(h *packet.Header, datagram []byte, srcIP netip.Addr, srcPort uint16) *policy.PacketCtx {
	family := "ip4"
	if srcIP.Is6() {
		family = "ip6"
	}
	ctx := &policy.PacketCtx{
		RemoteIP:     srcIP.AsSlice(),
		RemotePort:   srcPort,
		Family:       family,
		Version:      h.Version,
		DCIDLen:      len(h.DCID),
		TokenPresent: h.HasToken(),
	}
	if g.parser != nil {
		if rec, err := g.parser.ExtractClientHello(datagram); err == nil {
			if hello, err := packet.Fingerprint(rec); err == nil {
				ctx.SNI = hello.SNI
				ctx.ALPN = hello.ALPN
				ctx.JA3 = hello.JA3
				ctx.JA4 = hello.JA4
			}
		}
	}
	return ctx
}

func (g *Gate) emit(ev logger.Event) {
	ev.EventTime = time.Now().UTC()
	ev.Listener = g.ID
	if g.logger != nil {
		_ = g.logger.Log(ev)
	}
	if g.hub != nil {
		g.hub.Publish(ev)
	}
}
