package policy

import (
	"net"
	"os"
	"strings"
	"testing"
)

func TestLoadHCLAndMatch(t *testing.T) {
	hcl := `rule "validate-scanner" {
  action = "retry"
  when all {
    ja3       = ["abcd"]
    sni       = ["^ scan."]
    alpn      = ["h3"]
    remote_ip = ["192.168.0.0/16"]
  }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rs, err := LoadHCL(tmp.Name())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rs.Rules) != 1 {
		t.Fatalf("expected 1 rule")
	}
	r := rs.Rules[0]
	ctx := &PacketCtx{
		JA3:      "abcd",
		SNI:      "scan.example.com",
		ALPN:     []string{"h3"},
		RemoteIP: net.ParseIP("192.168.0.1"),
	}
	if !r.Expr.Eval(ctx) {
		t.Fatal("expected match")
	}
	ctx.ALPN = []string{"h2"}
	if r.Expr.Eval(ctx) {
		t.Fatal("expected no match without h3")
	}
}

func TestLoadHCLUnknownField(t *testing.T) {
	hcl := `rule "bad" {
  action = "accept"
  when all {
    unknown.field = ["x"]
  }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = LoadHCL(tmp.Name())
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadHCLInvalidWhenLabel(t *testing.T) {
	hcl := `rule "bad" {
  action = "accept"
  when xyz {
    sni = ["a.test"]
    ja3 = ["abcd"]
  }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := LoadHCL(tmp.Name()); err == nil {
		t.Fatal("expected error for unknown when label")
	}
}

func TestLoadHCLWhenDefaultAll(t *testing.T) {
	hcl := `rule "match-sni" {
  action = "accept"
  when {
    sni = ["a.test"]
  }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rs, err := LoadHCL(tmp.Name())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rs.Rules) != 1 {
		t.Fatalf("expected 1 rule")
	}
	r := rs.Rules[0]
	ctx := &PacketCtx{SNI: "a.test"}
	if !r.Expr.Eval(ctx) {
		t.Fatal("expected match")
	}
}

func TestLoadHCLDuplicateRuleName(t *testing.T) {
	hcl := `rule "dup" {
  action = "accept"
  when { sni = ["a.test"] }
}

rule "dup" {
  action = "accept"
  when { sni = ["b.test"] }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := LoadHCL(tmp.Name()); err == nil {
		t.Fatal("expected duplicate rule id error")
	}
}

func TestLoadHCLMissingAction(t *testing.T) {
	hcl := `rule "bad" {
  when { sni = ["a.test"] }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = LoadHCL(tmp.Name())
	if err == nil {
		t.Fatal("expected error for missing action")
	}
	if !strings.Contains(err.Error(), "missing action") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadHCLInvalidAction(t *testing.T) {
	hcl := `rule "bad" {
  action = "tarpit"
  when { sni = ["a.test"] }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = LoadHCL(tmp.Name())
	if err == nil {
		t.Fatal("expected error for invalid action")
	}
	if !strings.Contains(err.Error(), "invalid action") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadHCLBadExpires(t *testing.T) {
	hcl := `rule "bad" {
  action = "drop"
  expires = "yesterday"
  when { sni = ["a.test"] }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := LoadHCL(tmp.Name()); err == nil {
		t.Fatal("expected error for bad expires")
	}
}

func TestLoadHCLInvalidAttributeExpressions(t *testing.T) {
	cases := []string{
		`rule "bad" {
  action = foo
  when { sni = ["a.test"] }
}`,
		`rule "bad" {
  action = "accept"
  expires = baz
  when { sni = ["a.test"] }
}`,
	}

	for i, hcl := range cases {
		tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
		if err != nil {
			t.Fatalf("temp %d: %v", i, err)
		}
		if _, err := tmp.WriteString(hcl); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if err := tmp.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
		if _, err := LoadHCL(tmp.Name()); err == nil {
			t.Fatalf("expected error for invalid attribute expression %d", i)
		}
	}
}

func TestLoadHCLLiteralPreserved(t *testing.T) {
	hcl := `rule "msg" {
  action = "drop"
  when {
    sni = ["version alpn ja3"]
  }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rs, err := LoadHCL(tmp.Name())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx := &PacketCtx{SNI: "version alpn ja3"}
	if !rs.Rules[0].Expr.Eval(ctx) {
		t.Fatal("expected match")
	}
}

func TestLoadHCLMultipleWhenBlocks(t *testing.T) {
	hcl := `rule "bad" {
  action = "accept"
  when { sni = ["a.test"] }
  when { ja3 = ["abcd"] }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := LoadHCL(tmp.Name()); err == nil {
		t.Fatal("expected error for multiple when blocks")
	}
}

func TestLoadHCLUnknownRuleAttribute(t *testing.T) {
	hcl := `rule "bad" {
  action = "accept"
  upstream = "https://example.com"
  when { sni = ["a.test"] }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := LoadHCL(tmp.Name()); err == nil {
		t.Fatal("expected error for unknown attribute")
	}
}

func TestLoadHCLUnknownRuleBlock(t *testing.T) {
	hcl := `rule "bad" {
  action = "accept"
  foo {}
  when { sni = ["a.test"] }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := LoadHCL(tmp.Name()); err == nil {
		t.Fatal("expected error for unknown block")
	}
}

func TestLoadHCLInvalidRemoteIP(t *testing.T) {
	hcl := `rule "bad" {
  action = "drop"
  when {
    remote_ip = ["bad"]
  }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = LoadHCL(tmp.Name())
	if err == nil {
		t.Fatal("expected error for invalid ip")
	}
	if !strings.Contains(err.Error(), "invalid ip") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadHCLNestedWhenAny(t *testing.T) {
	hcl := `rule "nested" {
  action = "retry"
  when {
    sni = ["a.test"]
    when any {
      ja3  = ["abcd"]
      alpn = ["hq-interop"]
    }
  }
}`
	tmp, err := os.CreateTemp(t.TempDir(), "policy-*.hcl")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if _, err := tmp.WriteString(hcl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rs, err := LoadHCL(tmp.Name())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rs.Rules) != 1 {
		t.Fatalf("expected 1 rule")
	}
	r := rs.Rules[0]
	cases := []struct {
		ctx   PacketCtx
		match bool
	}{
		{ctx: PacketCtx{SNI: "a.test", JA3: "abcd"}, match: true},
		{ctx: PacketCtx{SNI: "a.test", ALPN: []string{"hq-interop"}}, match: true},
		{ctx: PacketCtx{SNI: "a.test"}, match: false},
		{ctx: PacketCtx{JA3: "abcd"}, match: false},
	}
	for i, tt := range cases {
		if r.Expr.Eval(&tt.ctx) != tt.match {
			t.Fatalf("case %d expected %v", i, tt.match)
		}
	}
}
