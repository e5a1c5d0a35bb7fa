// devp2p-node is a minimal node for exercising the transport: it listens
// for encrypted peer connections, dials out to a given node and exchanges
// chat messages over a demo capability.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ChefBingbong/go-devp2p/p2p"
)

var (
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "TCP listen address (empty disables listening)",
		Value: ":30303",
	}
	connectFlag = &cli.StringFlag{
		Name:  "connect",
		Usage: "remote node to dial, as <64-byte-pubkey-hex>@<host:port>",
	}
	nameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "client identifier advertised to peers",
		Value: "devp2p-node/v1.0",
	}
	nodekeyFlag = &cli.StringFlag{
		Name:  "nodekey",
		Usage: "hex-encoded private key (generated if empty)",
	}
	listenBelowFlag = &cli.IntFlag{
		Name:  "listen-below",
		Usage: "resume accepting when the peer count drops below this",
		Value: 40,
	}
	closeAboveFlag = &cli.IntFlag{
		Name:  "close-above",
		Usage: "pause accepting when the peer count reaches this",
		Value: 50,
	}
	legacyFlag = &cli.BoolFlag{
		Name:  "legacy-handshake",
		Usage: "use the pre-EIP-8 auth packet when dialing",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "logging verbosity (0=silent, 5=trace)",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "devp2p-node",
		Usage: "run a devp2p transport node",
		Flags: []cli.Flag{
			listenFlag, connectFlag, nameFlag, nodekeyFlag,
			listenBelowFlag, closeAboveFlag, legacyFlag, verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), false)
	log.SetDefault(log.NewLogger(handler))

	key, err := nodeKey(ctx.String(nodekeyFlag.Name))
	if err != nil {
		return err
	}
	cfg := p2p.Config{
		PrivateKey:      key,
		Name:            ctx.String(nameFlag.Name),
		Protocols:       []p2p.Protocol{chatProtocol(ctx.String(nameFlag.Name))},
		ListenAddr:      ctx.String(listenFlag.Name),
		ListenBelow:     ctx.Int(listenBelowFlag.Name),
		CloseAbove:      ctx.Int(closeAboveFlag.Name),
		LegacyHandshake: ctx.Bool(legacyFlag.Name),
	}
	tr, err := p2p.New(cfg)
	if err != nil {
		return err
	}
	log.Info("Node identity", "pubkey", hex.EncodeToString(crypto.FromECDSAPub(tr.Self())[1:]))

	var listener *p2p.Listener
	if cfg.ListenAddr != "" {
		listener, err = tr.CreateListener()
		if err != nil {
			return err
		}
		if err := listener.Listen(); err != nil {
			return err
		}
		peers := make(chan *p2p.Conn, 16)
		listener.SubscribePeers(peers)
		go func() {
			for c := range peers {
				log.Info("Inbound peer", "name", c.Name(), "addr", c.RemoteAddr())
			}
		}()
	}

	if target := ctx.String(connectFlag.Name); target != "" {
		pub, addr, err := parseTarget(target)
		if err != nil {
			return err
		}
		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c, err := tr.Dial(dialCtx, addr, pub)
		cancel()
		if err != nil {
			return err
		}
		events := make(chan p2p.Event, 8)
		c.SubscribeEvents(events)
		go func() {
			for ev := range events {
				switch ev.Type {
				case p2p.EventConnected:
					log.Info("Outbound peer up", "name", c.Name(), "caps", c.Caps())
				case p2p.EventClosed:
					log.Info("Outbound peer down", "reason", ev.Reason, "remote", ev.Remote)
					return
				}
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")
	if listener != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return listener.Close(closeCtx)
	}
	return nil
}

func nodeKey(hexkey string) (*ecdsa.PrivateKey, error) {
	if hexkey == "" {
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(hexkey)
}

func parseTarget(s string) (*ecdsa.PublicKey, string, error) {
	id, addr, found := strings.Cut(s, "@")
	if !found {
		return nil, "", fmt.Errorf("invalid target %q, want <pubkey-hex>@<host:port>", s)
	}
	b, err := hex.DecodeString(id)
	if err != nil || len(b) != 64 {
		return nil, "", fmt.Errorf("invalid node pubkey in %q", s)
	}
	pub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, b...))
	if err != nil {
		return nil, "", err
	}
	return pub, addr, nil
}

// chatProtocol is a demo capability: it greets the peer once and logs
// whatever text messages arrive.
func chatProtocol(name string) p2p.Protocol {
	return p2p.Protocol{
		Name:    "chat",
		Version: 1,
		Length:  1,
		Run: func(conn *p2p.Conn, rw p2p.MsgReadWriter) error {
			logger := log.New("peer", conn.RemoteAddr())
			if err := p2p.SendItems(rw, 0, "hello from "+name); err != nil {
				return err
			}
			for {
				msg, err := rw.ReadMsg()
				if err != nil {
					return err
				}
				var text []string
				if err := msg.Decode(&text); err != nil {
					return err
				}
				logger.Info("Chat message", "text", strings.Join(text, " "))
			}
		},
	}
}
