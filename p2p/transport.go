// Package p2p implements the devp2p wire transport: encrypted connections,
// base-protocol capability negotiation, message multiplexing to
// subprotocols and inbound connection listening.
package p2p

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"net"
	"strconv"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ChefBingbong/go-devp2p/rlpx"
)

const (
	defaultListenBelow = 40
	defaultCloseAbove  = 50
)

var (
	errNoPrivateKey = errors.New("p2p: Config.PrivateKey must be set")
	errNoRemoteID   = errors.New("p2p: dial requires the remote node's public key")
)

// Config holds the transport-wide options. The same Config value is shared
// read-only by every connection and listener the Transport creates.
type Config struct {
	// PrivateKey is the local node's static secp256k1 key. Required.
	PrivateKey *ecdsa.PrivateKey

	// Name is the client identifier advertised in the Hello message.
	Name string

	// Protocols are the capabilities supported by the local node.
	Protocols []Protocol

	// ListenAddr is the TCP address the Listener binds.
	ListenAddr string

	// BlockedClients lists substrings matched case-insensitively against
	// the remote client identifier; matching peers are disconnected as
	// useless.
	BlockedClients []string

	// ListenBelow and CloseAbove are the Listener's hysteresis watermarks:
	// accepting pauses when the connection count reaches CloseAbove and
	// resumes once it drops below ListenBelow.
	ListenBelow int
	CloseAbove  int

	// LegacyHandshake selects the fixed-size pre-EIP-8 auth packet for
	// outbound dials.
	LegacyHandshake bool

	// ChainParams is an opaque handle forwarded to subprotocols through
	// Conn.ChainParams. The transport never inspects or mutates it.
	ChainParams interface{}

	Logger log.Logger
	Clock  mclock.Clock
}

func (cfg *Config) listenPort() uint64 {
	_, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return n
}

// Transport is the composition root of the wire layer. It creates
// initiator-mode connections via Dial and responder-mode connections via
// the Listener.
type Transport struct {
	cfg   Config
	log   log.Logger
	clock mclock.Clock
}

// New creates a Transport with the given configuration.
func New(cfg Config) (*Transport, error) {
	if cfg.PrivateKey == nil {
		return nil, errNoPrivateKey
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.ListenBelow == 0 && cfg.CloseAbove == 0 {
		cfg.ListenBelow = defaultListenBelow
		cfg.CloseAbove = defaultCloseAbove
	}
	return &Transport{cfg: cfg, log: cfg.Logger, clock: cfg.Clock}, nil
}

// Self returns the local node's public identity key.
func (t *Transport) Self() *ecdsa.PublicKey {
	return &t.cfg.PrivateKey.PublicKey
}

// Dial opens an initiator-mode connection to the given TCP address.
// remoteID is the dialed node's static public key as supplied by
// discovery; it encrypts the handshake and pins the identity the remote
// Hello must declare. The returned connection is still handshaking;
// subscribe to its events or poll Connected to learn when it is usable.
func (t *Transport) Dial(ctx context.Context, addr string, remoteID *ecdsa.PublicKey) (*Conn, error) {
	if remoteID == nil {
		return nil, errNoRemoteID
	}
	var d net.Dialer
	fd, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	egressConnectMeter.Mark(1)
	c := t.setupConn(fd, remoteID)
	go c.run()
	return c, nil
}

// CreateListener constructs (but does not start) a Listener for the
// configured listen address. It fails if the hysteresis watermarks are
// inconsistent.
func (t *Transport) CreateListener() (*Listener, error) {
	if t.cfg.CloseAbove < t.cfg.ListenBelow {
		return nil, ErrInvalidWatermarks
	}
	return newListener(t), nil
}

// setupConn wraps the socket for metering and builds the connection with
// its handshake session. remoteID is nil for inbound sockets.
func (t *Transport) setupConn(fd net.Conn, remoteID *ecdsa.PublicKey) *Conn {
	fd = newMeteredConn(fd, remoteID == nil)
	session := rlpx.NewSession(t.cfg.PrivateKey, remoteID)
	logger := t.log.New("addr", fd.RemoteAddr())
	return newConn(fd, session, &t.cfg, logger, t.clock)
}
