//go:build pcap

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	arg "github.com/alexflint/go-arg"

	"github.com/0x4D31/shrike/internal/packet"
	"github.com/0x4D31/shrike/pkg/token"
	"github.com/0x4D31/shrike/pkg/wire"
)

type flowKey struct {
	SrcIP, DstIP     string
	SrcPort, DstPort layers.UDPPort
}

func (k flowKey) reverse() flowKey {
	return flowKey{SrcIP: k.DstIP, DstIP: k.SrcIP, SrcPort: k.DstPort, DstPort: k.SrcPort}
}

type dedupKey struct {
	flowKey
	Kind     string
	TokenLen int
}

type cliArgs struct {
	File    string `arg:"-r,--read" help:"read packets from pcap file"`
	Iface   string `arg:"-i,--iface" help:"interface for live capture"`
	Filter  string `arg:"-f,--filter" help:"BPF filter expression for QUIC traffic [default: udp and port 443]" default:"udp and port 443"`
	Secret  string `arg:"-s,--secret" help:"listener secret file; decodes captured retry tokens"`
	Window  int    `arg:"-w,--window" help:"freshness window in seconds for token verdicts [default: 30]" default:"30"`
	DumpHex bool   `arg:"-x,--hex" help:"include token hex in JSON output; with -p, also prints hex after each record"`
	Output  string `arg:"-o,--output" help:"path to JSONL log file [default: quic-retrydump.jsonl]" default:"quic-retrydump.jsonl"`
	Print   bool   `arg:"-p,--print" help:"print aggregated output to stdout (suppresses duplicates)"`
}

type record struct {
	Timestamp   string         `json:"timestamp"`
	SrcIP       string         `json:"srcIP"`
	SrcPort     layers.UDPPort `json:"srcPort"`
	DstIP       string         `json:"dstIP"`
	DstPort     layers.UDPPort `json:"dstPort"`
	Kind        string         `json:"kind"`
	Version     string         `json:"version,omitempty"`
	DCID        string         `json:"dcid,omitempty"`
	SCID        string         `json:"scid,omitempty"`
	TokenLen    int            `json:"tokenLen"`
	TokenHex    string         `json:"tokenHex,omitempty"`
	SNI         string         `json:"sni,omitempty"`
	ALPN        string         `json:"alpn,omitempty"`
	JA3         string         `json:"ja3,omitempty"`
	JA4         string         `json:"ja4,omitempty"`
	TagValid    *bool          `json:"retryTagValid,omitempty"`
	TokenOK     *bool          `json:"tokenValid,omitempty"`
	TokenOCID   string         `json:"tokenOcid,omitempty"`
	TokenIssued string         `json:"tokenIssued,omitempty"`
	TokenFresh  *bool          `json:"tokenFresh,omitempty"`
}

var (
	cli      cliArgs
	keyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	valStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	encoder *json.Encoder
	seen    map[dedupKey]struct{}
	codec   *token.Codec
	parser  = packet.NewParser()

	// odcids remembers the DCID of the first untokened Initial per
	// flow: the retry integrity tag on the reverse flow is keyed to it.
	odcids map[flowKey][]byte
)

func main() {
	p, err := arg.NewParser(arg.Config{Program: "quic-retrydump"}, &cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := p.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, arg.ErrHelp) {
			p.WriteHelp(os.Stdout)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if (cli.File == "") == (cli.Iface == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -r or -i required")
		os.Exit(1)
	}
	if cli.Secret != "" {
		sec, err := readSecretFile(cli.Secret)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		codec = token.NewCodec(sec)
	}
	f, err := os.OpenFile(cli.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()
	encoder = json.NewEncoder(f)
	encoder.SetEscapeHTML(false)
	if cli.Print {
		seen = make(map[dedupKey]struct{})
	}
	odcids = make(map[flowKey][]byte)
	defer parser.Close()
	expr := cli.Filter

	var (
		src       *gopacket.PacketSource
		closeFunc func()
	)

	if cli.File != "" {
		handle, err := pcap.OpenOffline(cli.File)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := handle.SetBPFFilter(expr); err != nil {
			handle.Close()
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		src = gopacket.NewPacketSource(handle, handle.LinkType())
		closeFunc = handle.Close
	} else {
		handle, err := pcap.OpenLive(cli.Iface, 65535, true, pcap.BlockForever)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := handle.SetBPFFilter(expr); err != nil {
			handle.Close()
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		src = gopacket.NewPacketSource(handle, handle.LinkType())
		closeFunc = handle.Close
	}
	defer closeFunc()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-src.Packets():
			if !ok {
				return
			}
			processPacket(pkt)
		}
	}
}

func readSecretFile(path string) (token.Secret, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return token.Secret{}, err
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == token.SecretLen {
		return token.SecretFromBytes(trimmed)
	}
	return token.ParseSecret(string(trimmed))
}

func processPacket(pkt gopacket.Packet) {
	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return
	}
	var srcIP, dstIP net.IP
	switch nl := netLayer.(type) {
	case *layers.IPv4:
		srcIP, dstIP = nl.SrcIP, nl.DstIP
	case *layers.IPv6:
		srcIP, dstIP = nl.SrcIP, nl.DstIP
	default:
		return
	}
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp := udpLayer.(*layers.UDP)

	hdr, err := packet.ParseHeader(udp.Payload)
	if err != nil {
		return
	}

	key := flowKey{SrcIP: srcIP.String(), DstIP: dstIP.String(), SrcPort: udp.SrcPort, DstPort: udp.DstPort}
	ts := pkt.Metadata().Timestamp
	rec := record{
		Timestamp: ts.Format("2006-01-02 15:04:05"),
		SrcIP:     key.SrcIP,
		SrcPort:   udp.SrcPort,
		DstIP:     key.DstIP,
		DstPort:   udp.DstPort,
		Kind:      hdr.Kind.String(),
		TokenLen:  len(hdr.Token),
	}
	if hdr.Kind != packet.KindShort {
		rec.Version = fmt.Sprintf("0x%08x", hdr.Version)
		rec.DCID = hex.EncodeToString(hdr.DCID)
		rec.SCID = hex.EncodeToString(hdr.SCID)
	}
	if cli.DumpHex && len(hdr.Token) > 0 {
		rec.TokenHex = hex.EncodeToString(hdr.Token)
	}

	switch hdr.Kind {
	case packet.KindInitial:
		if !hdr.HasToken() {
			odcids[key] = append([]byte(nil), hdr.DCID...)
		}
		if ch, err := parser.ExtractClientHello(udp.Payload); err == nil {
			if hello, err := packet.Fingerprint(ch); err == nil {
				rec.SNI = hello.SNI
				rec.ALPN = strings.Join(hello.ALPN, ",")
				rec.JA3 = hello.JA3
				rec.JA4 = hello.JA4
			}
		}
		// A tokened Initial redeems from its own source address.
		decodeToken(&rec, hdr.Token, srcIP, udp.SrcPort, ts)
	case packet.KindRetry:
		if odcid, ok := odcids[key.reverse()]; ok {
			v := wire.VerifyRetryTag(hdr.Version, odcid, udp.Payload)
			rec.TagValid = &v
		}
		// The granted token is bound to the client the Retry targets.
		decodeToken(&rec, hdr.Token, dstIP, udp.DstPort, ts)
	}

	if err := encoder.Encode(rec); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
	}
	if cli.Print {
		printRecord(rec, key, hdr.Token)
	}
}

func decodeToken(rec *record, tok []byte, ip net.IP, port layers.UDPPort, ts time.Time) {
	if codec == nil || len(tok) == 0 {
		return
	}
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return
	}
	addr := token.AddrBytes(netip.AddrPortFrom(a, uint16(port)))
	ocid, issued, err := codec.Decode(tok, addr)
	valid := err == nil
	rec.TokenOK = &valid
	if err != nil {
		return
	}
	rec.TokenOCID = ocid.String()
	rec.TokenIssued = time.Unix(0, int64(issued)).UTC().Format("2006-01-02 15:04:05.000")
	now := uint64(ts.UnixNano())
	fresh := now >= issued && now <= issued+uint64(cli.Window)*uint64(time.Second)
	rec.TokenFresh = &fresh
}

func printRecord(rec record, key flowKey, tok []byte) {
	dk := dedupKey{flowKey: key, Kind: rec.Kind, TokenLen: rec.TokenLen}
	if _, ok := seen[dk]; ok {
		return
	}
	seen[dk] = struct{}{}
	src := fmt.Sprintf("%-12s", rec.SrcIP)
	dst := fmt.Sprintf("%-12s", rec.DstIP)
	parts := []string{
		fmt.Sprintf("%s %s %s", src, "->", dst),
		fmt.Sprintf("[%s %s]", keyStyle.Render("KIND:"), valStyle.Render(rec.Kind)),
	}
	if rec.TokenLen > 0 {
		parts = append(parts, fmt.Sprintf("[%s %dB]", keyStyle.Render("TOKEN:"), rec.TokenLen))
	}
	if rec.TagValid != nil {
		parts = append(parts, fmt.Sprintf("[%s %t]", keyStyle.Render("TAG:"), *rec.TagValid))
	}
	if rec.TokenOK != nil {
		parts = append(parts, fmt.Sprintf("[%s %t]", keyStyle.Render("TOKEN-OK:"), *rec.TokenOK))
	}
	if rec.TokenOCID != "" {
		parts = append(parts, fmt.Sprintf("%s %s", keyStyle.Render("OCID:"), valStyle.Render(rec.TokenOCID)))
	}
	if rec.SNI != "" {
		parts = append(parts, fmt.Sprintf("%s %s", keyStyle.Render("SNI:"), valStyle.Render(rec.SNI)))
	}
	fmt.Println(strings.Join(parts, "  "))
	if cli.DumpHex && len(tok) > 0 {
		fmt.Println()
		fmt.Println(keyStyle.Render("  ╭────────────────────────────── Token Hex Dump ──────────────────────────────╮"))
		for _, line := range strings.Split(hex.Dump(tok), "\n") {
			if line != "" {
				fmt.Println(dimStyle.Render("  " + line))
			}
		}
		fmt.Println()
	}
}
