package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/0x4D31/shrike/internal/config"
	"github.com/0x4D31/shrike/pkg/token"
)

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "generate a listener secret",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}},
		},
		Action: keygenAction,
	}
}

func keygenAction(ctx context.Context, cmd *cli.Command) error {
	sec, err := token.NewSecret()
	if err != nil {
		return err
	}
	encoded := hex.EncodeToString(sec[:])
	out := cmd.String("out")
	if out == "" {
		fmt.Println(encoded)
		return nil
	}
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("%s already exists", out)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.WriteFile(out, []byte(encoded+"\n"), 0o600); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(cmd.ErrWriter, "wrote %s\n", out); err != nil {
		return err
	}
	return nil
}

// tokenCommand groups offline helpers for the material a listener
// derives from its secret: retry tokens, stateless reset tokens and
// flow labels.
func tokenCommand() *cli.Command {
	secretFlag := func() *cli.StringFlag {
		return &cli.StringFlag{Name: "secret", Aliases: []string{"s"}, Sources: cli.EnvVars("SHRIKE_SECRET_FILE")}
	}
	return &cli.Command{
		Name:  "token",
		Usage: "mint and inspect validation material offline",
		Commands: []*cli.Command{
			{
				Name:  "mint",
				Usage: "mint a retry token bound to a client address",
				Flags: []cli.Flag{
					secretFlag(),
					&cli.StringFlag{Name: "addr", Usage: "client ip:port the token is bound to"},
					&cli.StringFlag{Name: "ocid", Usage: "original destination CID, hex"},
				},
				Action: tokenMintAction,
			},
			{
				Name:  "verify",
				Usage: "validate a retry token against an address",
				Flags: []cli.Flag{
					secretFlag(),
					&cli.StringFlag{Name: "addr", Usage: "client ip:port the token was bound to"},
					&cli.StringFlag{Name: "token", Usage: "retry token, hex"},
					&cli.IntFlag{Name: "window", Value: config.DefaultWindow, Usage: "acceptance window in seconds"},
					&cli.IntFlag{Name: "skew", Value: config.DefaultSkew, Usage: "future drift tolerance in seconds"},
				},
				Action: tokenVerifyAction,
			},
			{
				Name:  "reset",
				Usage: "derive the stateless reset token for a CID",
				Flags: []cli.Flag{
					secretFlag(),
					&cli.StringFlag{Name: "cid", Usage: "connection ID, hex"},
				},
				Action: tokenResetAction,
			},
			{
				Name:  "flowlabel",
				Usage: "derive the IPv6 flow label for a connection tuple",
				Flags: []cli.Flag{
					secretFlag(),
					&cli.StringFlag{Name: "local", Usage: "local ip:port"},
					&cli.StringFlag{Name: "remote", Usage: "remote ip:port"},
					&cli.StringFlag{Name: "cid", Usage: "connection ID, hex"},
				},
				Action: tokenFlowLabelAction,
			},
		},
	}
}

func secretFromFlag(cmd *cli.Command) (token.Secret, error) {
	path := cmd.String("secret")
	if path == "" {
		return token.Secret{}, errors.New("--secret required")
	}
	return readSecret(path)
}

func addrFromFlag(cmd *cli.Command, name string) (netip.AddrPort, error) {
	v := cmd.String(name)
	if v == "" {
		return netip.AddrPort{}, fmt.Errorf("--%s required", name)
	}
	ap, err := netip.ParseAddrPort(v)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("--%s: %w", name, err)
	}
	return ap, nil
}

func cidFromFlag(cmd *cli.Command, name string) (token.CID, error) {
	v := cmd.String(name)
	if v == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return token.CID(b), nil
}

func tokenMintAction(ctx context.Context, cmd *cli.Command) error {
	sec, err := secretFromFlag(cmd)
	if err != nil {
		return err
	}
	ap, err := addrFromFlag(cmd, "addr")
	if err != nil {
		return err
	}
	ocid, err := cidFromFlag(cmd, "ocid")
	if err != nil {
		return err
	}
	codec := token.NewCodec(sec)
	tok, err := codec.Encode(token.AddrBytes(ap), ocid, uint64(time.Now().UnixNano()))
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(tok))
	return nil
}

func tokenVerifyAction(ctx context.Context, cmd *cli.Command) error {
	sec, err := secretFromFlag(cmd)
	if err != nil {
		return err
	}
	ap, err := addrFromFlag(cmd, "addr")
	if err != nil {
		return err
	}
	raw := cmd.String("token")
	if raw == "" {
		return errors.New("--token required")
	}
	tok, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("--token: %w", err)
	}
	var opts []token.Option
	if skew := int(cmd.Int("skew")); skew > 0 {
		opts = append(opts, token.WithClockSkew(uint64(time.Duration(skew)*time.Second)))
	}
	codec := token.NewCodec(sec, opts...)
	window := uint64(time.Duration(int(cmd.Int("window"))) * time.Second)
	ocid, err := codec.Validate(tok, token.AddrBytes(ap), window, uint64(time.Now().UnixNano()))
	if err != nil {
		return fmt.Errorf("token invalid: %w", err)
	}
	if _, err := fmt.Fprintln(cmd.ErrWriter, "token valid"); err != nil {
		return err
	}
	if len(ocid) > 0 {
		fmt.Println(ocid.String())
	}
	return nil
}

func tokenResetAction(ctx context.Context, cmd *cli.Command) error {
	sec, err := secretFromFlag(cmd)
	if err != nil {
		return err
	}
	cid, err := cidFromFlag(cmd, "cid")
	if err != nil {
		return err
	}
	if len(cid) == 0 {
		return errors.New("--cid required")
	}
	rt := token.ResetToken(sec, cid)
	fmt.Println(hex.EncodeToString(rt[:]))
	return nil
}

func tokenFlowLabelAction(ctx context.Context, cmd *cli.Command) error {
	sec, err := secretFromFlag(cmd)
	if err != nil {
		return err
	}
	local, err := addrFromFlag(cmd, "local")
	if err != nil {
		return err
	}
	remote, err := addrFromFlag(cmd, "remote")
	if err != nil {
		return err
	}
	cid, err := cidFromFlag(cmd, "cid")
	if err != nil {
		return err
	}
	label := token.FlowLabel(sec, token.AddrBytes(local), token.AddrBytes(remote), cid)
	fmt.Printf("0x%05x\n", label)
	return nil
}
