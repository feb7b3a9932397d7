package policy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/0x4D31/shrike/internal/packet"
)

// Expr represents a boolean expression node.
type Expr interface {
	Eval(*PacketCtx) bool
}

type And struct{ Kids []Expr }

func (a And) Eval(c *PacketCtx) bool {
	for _, k := range a.Kids {
		if !k.Eval(c) {
			return false
		}
	}
	return true
}

type Or struct{ Kids []Expr }

func (o Or) Eval(c *PacketCtx) bool {
	for _, k := range o.Kids {
		if k.Eval(c) {
			return true
		}
	}
	return false
}

// Cond wraps a matcher function.
type Cond struct {
	Matcher func(*PacketCtx) bool
}

func (c Cond) Eval(ctx *PacketCtx) bool { return c.Matcher(ctx) }

// Rule is a compiled rule from the HCL file.
type Rule struct {
	ID      string
	Action  Action
	Expires *time.Time
	Expr    Expr
}

// RuleSet is a set of compiled rules.
type RuleSet struct{ Rules []*Rule }

// FieldGetter returns zero or more values for a field.
type FieldGetter func(*PacketCtx) []string

var registry = map[string]FieldGetter{
	"ja3":  func(c *PacketCtx) []string { return []string{c.JA3} },
	"ja4":  func(c *PacketCtx) []string { return []string{c.JA4} },
	"alpn": func(c *PacketCtx) []string { return c.ALPN },
	"family": func(c *PacketCtx) []string {
		if c.Family == "" {
			return nil
		}
		return []string{c.Family}
	},
	"remote_port":   func(c *PacketCtx) []string { return []string{strconv.FormatUint(uint64(c.RemotePort), 10)} },
	"dcid_len":      func(c *PacketCtx) []string { return []string{strconv.Itoa(c.DCIDLen)} },
	"token_present": func(c *PacketCtx) []string { return []string{strconv.FormatBool(c.TokenPresent)} },
	// A version matches both its short name and the wire value.
	"version": func(c *PacketCtx) []string {
		switch c.Version {
		case packet.Version1:
			return []string{"1", "0x00000001"}
		case packet.Version2:
			return []string{"2", "0x6b3343cf"}
		}
		return []string{fmt.Sprintf("0x%08x", c.Version)}
	},
	// remote_ip and sni handled separately
}

// withRange appends line and column information to an error using the provided range.
func withRange(err error, r hcl.Range) error {
	return fmt.Errorf("%w at %d:%d", err, r.Start.Line, r.Start.Column)
}

// rangeFromDiags returns the first diagnostic's subject range, if any.
func rangeFromDiags(diags hcl.Diagnostics) hcl.Range {
	for _, d := range diags {
		if d.Subject != nil {
			return *d.Subject
		}
	}
	return hcl.Range{}
}

type ruleBlock struct {
	Name    string    `hcl:",label"`
	Action  string    `hcl:"action"`
	Expires string    `hcl:"expires,optional"`
	When    whenBlock `hcl:"when,block"`
}

type whenBlock struct {
	Type string      `hcl:",label,optional"`
	Body hcl.Body    `hcl:",remain"`
	Kids []whenBlock `hcl:"when,block"`
}

func decodeRuleBlock(b *hcl.Block) (ruleBlock, error) {
	var rb ruleBlock
	if len(b.Labels) != 1 {
		return rb, withRange(fmt.Errorf("rule block missing name"), b.DefRange)
	}
	rb.Name = b.Labels[0]

	body, ok := b.Body.(*hclsyntax.Body)
	if !ok {
		return rb, withRange(fmt.Errorf("unexpected body type"), b.DefRange)
	}

	// Validate attributes upfront to catch unknown keys.
	for name, attr := range body.Attributes {
		switch name {
		case "action", "expires":
			// allowed
		default:
			return rb, withRange(fmt.Errorf("rule %s: unknown attribute %s", rb.Name, name), attr.SrcRange)
		}
	}

	if attr, ok := body.Attributes["action"]; ok {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return rb, withRange(fmt.Errorf("rule %s: invalid action", rb.Name), rangeFromDiags(diags))
		}
		if v.Type() != cty.String {
			return rb, withRange(fmt.Errorf("rule %s: action must be a string", rb.Name), attr.SrcRange)
		}
		rb.Action = v.AsString()
	}
	if attr, ok := body.Attributes["expires"]; ok {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return rb, withRange(fmt.Errorf("rule %s: invalid expires", rb.Name), rangeFromDiags(diags))
		}
		if v.Type() != cty.String {
			return rb, withRange(fmt.Errorf("rule %s: expires must be a string", rb.Name), attr.SrcRange)
		}
		rb.Expires = v.AsString()
	}

	var whenBlk *hclsyntax.Block
	for _, blk := range body.Blocks {
		switch blk.Type {
		case "when":
			if whenBlk != nil {
				return rb, withRange(fmt.Errorf("rule %s: multiple when blocks", rb.Name), blk.TypeRange)
			}
			whenBlk = blk
		default:
			return rb, withRange(fmt.Errorf("rule %s: unknown block %s", rb.Name, blk.Type), blk.TypeRange)
		}
	}
	if whenBlk == nil {
		return rb, withRange(fmt.Errorf("rule %s: missing when block", rb.Name), b.DefRange)
	}

	wb, err := decodeWhenBlock(whenBlk)
	if err != nil {
		return rb, err
	}
	rb.When = wb
	return rb, nil
}

func decodeWhenBlock(b *hclsyntax.Block) (whenBlock, error) {
	var wb whenBlock
	if len(b.Labels) > 0 {
		wb.Type = b.Labels[0]
	}

	body := b.Body

	attrBody := &hclsyntax.Body{Attributes: map[string]*hclsyntax.Attribute{}, SrcRange: body.SrcRange}
	for name, attr := range body.Attributes {
		attrBody.Attributes[name] = attr
	}
	wb.Body = attrBody

	for _, blk := range body.Blocks {
		if blk.Type != "when" {
			continue
		}
		sub, err := decodeWhenBlock(blk)
		if err != nil {
			return wb, err
		}
		wb.Kids = append(wb.Kids, sub)
	}

	return wb, nil
}

// LoadHCL loads rules from an HCL file.
func LoadHCL(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadHCLBytes(data)
}

// LoadHCLBytes loads rules from an HCL byte slice.
func LoadHCLBytes(data []byte) (*RuleSet, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, "<mem>")
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	schema := &hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{{Type: "rule", LabelNames: []string{"name"}}},
	}
	content, diags := file.Body.Content(schema)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	rs := &RuleSet{}
	ids := make(map[string]struct{})
	for _, blk := range content.Blocks {
		rb, err := decodeRuleBlock(blk)
		if err != nil {
			return nil, err
		}
		if _, ok := ids[rb.Name]; ok {
			return nil, fmt.Errorf("duplicate rule id %s", rb.Name)
		}
		ids[rb.Name] = struct{}{}
		r, err := compileRule(rb)
		if err != nil {
			return nil, err
		}
		rs.Rules = append(rs.Rules, r)
	}
	return rs, nil
}

func compileRule(rb ruleBlock) (*Rule, error) {
	var r Rule
	r.ID = rb.Name
	if rb.Action == "" {
		return nil, fmt.Errorf("rule %s: missing action", rb.Name)
	}
	switch rb.Action {
	case string(ActionAccept), string(ActionRetry), string(ActionDrop):
		r.Action = Action(rb.Action)
	default:
		return nil, fmt.Errorf("rule %s: invalid action", rb.Name)
	}
	if rb.Expires != "" {
		t, err := time.Parse(time.RFC3339, rb.Expires)
		if err != nil {
			return nil, fmt.Errorf("rule %s: bad expires", rb.Name)
		}
		r.Expires = &t
	}
	expr, err := compileWhen(rb.When)
	if err != nil {
		return nil, err
	}
	r.Expr = expr
	return &r, nil
}

func compileWhen(w whenBlock) (Expr, error) {
	var kids []Expr
	if w.Body != nil {
		attrs, _ := w.Body.JustAttributes()
		for name, attr := range attrs {
			vs, err := decodeStrings(attr.Expr)
			if err != nil {
				return nil, withRange(err, attr.Range)
			}
			cond, err := compileFieldCond(name, vs)
			if err != nil {
				return nil, withRange(err, attr.Range)
			}
			kids = append(kids, cond)
		}
	}
	for _, sub := range w.Kids {
		e, err := compileWhen(sub)
		if err != nil {
			return nil, err
		}
		kids = append(kids, e)
	}
	if len(kids) == 0 {
		return Cond{Matcher: func(*PacketCtx) bool { return true }}, nil
	}
	if len(kids) == 1 {
		return kids[0], nil
	}
	t := w.Type
	if t == "" {
		t = "all"
	}
	switch t {
	case "all":
		return And{Kids: kids}, nil
	case "any":
		return Or{Kids: kids}, nil
	default:
		return nil, fmt.Errorf("unknown when block %s", t)
	}
}

func decodeStrings(expr hcl.Expression) ([]string, error) {
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, withRange(fmt.Errorf("decode value"), rangeFromDiags(diags))
	}
	switch {
	case v.Type().IsTupleType() || v.Type().IsListType():
		var out []string
		it := v.ElementIterator()
		for it.Next() {
			_, ev := it.Element()
			out = append(out, ev.AsString())
		}
		return out, nil
	case v.Type() == cty.String:
		return []string{v.AsString()}, nil
	default:
		return nil, withRange(fmt.Errorf("unsupported value type"), expr.Range())
	}
}

func compileFieldCond(name string, vals []string) (Expr, error) {
	if name == "remote_ip" {
		return compileIPCond(vals)
	}
	if name == "sni" {
		return compileSNICond(vals)
	}
	getter, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown field %s", name)
	}
	matchers := make([]func(string) bool, 0, len(vals))
	for _, p := range vals {
		m, err := compilePattern(p, false)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return Cond{Matcher: func(ctx *PacketCtx) bool {
		for _, val := range getter(ctx) {
			for _, m := range matchers {
				if m(val) {
					return true
				}
			}
		}
		return false
	}}, nil
}

// compileSNICond matches server names; the "i:" prefix selects
// case-insensitive matching.
func compileSNICond(vals []string) (Expr, error) {
	matchers := make([]func(string) bool, 0, len(vals))
	for _, p := range vals {
		ci := false
		if strings.HasPrefix(p, "i:") {
			ci = true
			p = strings.TrimPrefix(p, "i:")
		}
		m, err := compilePattern(p, ci)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return Cond{Matcher: func(ctx *PacketCtx) bool {
		if ctx.SNI == "" {
			return false
		}
		for _, m := range matchers {
			if m(ctx.SNI) {
				return true
			}
		}
		return false
	}}, nil
}

func compileIPCond(vals []string) (Expr, error) {
	var nets []*net.IPNet
	var ips []net.IP
	for _, p := range vals {
		if strings.Contains(p, "/") {
			_, n, err := net.ParseCIDR(p)
			if err != nil {
				return nil, err
			}
			nets = append(nets, n)
		} else {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("invalid ip %s", p)
			}
			ips = append(ips, ip)
		}
	}
	return Cond{Matcher: func(ctx *PacketCtx) bool {
		ip := ctx.RemoteIP
		if ip == nil {
			return false
		}
		for _, n := range nets {
			if n.Contains(ip) {
				return true
			}
		}
		for _, x := range ips {
			if ip.Equal(x) {
				return true
			}
		}
		return false
	}}, nil
}

func compilePattern(p string, ci bool) (func(string) bool, error) {
	op := byte('=')
	if len(p) > 0 {
		switch p[0] {
		case '=', '^', '~':
			op = p[0]
			p = strings.TrimSpace(p[1:])
		default:
			if strings.ContainsRune("?!@#$%&*+", rune(p[0])) {
				return nil, fmt.Errorf("unknown operator")
			}
		}
	}

	switch op {
	case '=':
		exact := p
		if ci {
			exact = strings.ToLower(exact)
		}
		return func(s string) bool {
			if ci {
				s = strings.ToLower(s)
			}
			return s == exact
		}, nil
	case '^':
		pref := p
		if ci {
			pref = strings.ToLower(pref)
		}
		return func(s string) bool {
			if ci {
				s = strings.ToLower(s)
			}
			return strings.HasPrefix(s, pref)
		}, nil
	case '~':
		pat := p
		if ci {
			pat = "(?i)" + pat
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, err
		}
		return func(s string) bool {
			return re.MatchString(s)
		}, nil
	}

	return nil, fmt.Errorf("unknown operator")
}
