package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"

	"github.com/ChefBingbong/go-devp2p/rlpx"
)

const (
	pingInterval          = 15 * time.Second
	pongTimeout           = 20 * time.Second
	frameReadTimeout      = 30 * time.Second
	handshakeTimeout      = 5 * time.Second
	disconnectGracePeriod = 2 * time.Second

	readChunkSize = 4096

	// maxBufSize caps the inbound accumulation buffer: one maximum-size
	// frame body (uint24 length padded to the cipher block, plus MAC) and
	// its header, with slack for a trailing read chunk. A peer pushing
	// bytes faster than they are consumed is cut off here.
	maxBufSize = 1<<24 + 16 + rlpx.FrameHeaderLen + readChunkSize
)

// connState tracks which part of the wire exchange the connection expects
// next. Auth and Ack cover the encryption handshake; Header and Body
// alternate for the rest of the connection's life.
type connState int

const (
	stateAuth connState = iota
	stateAck
	stateHeader
	stateBody
)

// EventType is the kind of a connection lifecycle notification.
type EventType string

const (
	EventConnected EventType = "connected"
	EventClosed    EventType = "closed"
)

// Event is emitted on a connection's event feed. Exactly one EventClosed is
// emitted per connection, no matter how the teardown was triggered.
type Event struct {
	Type EventType

	// Reason and Remote are meaningful for EventClosed. Remote reports
	// whether the teardown was initiated by the remote end (or by a socket
	// failure) rather than by a local call.
	Reason DiscReason
	Remote bool
}

// errTornDown is returned through the drain loop after a handler has
// already completed the teardown, so callers stop processing without
// recording another reason.
var errTornDown = errors.New("p2p: connection torn down")

// Conn is one encrypted devp2p connection. It owns the socket and the
// rlpx.Session, drives the handshake state machine, dispatches decoded
// frames to negotiated subprotocols and manages teardown.
//
// All handshake and dispatch state is owned by the run loop goroutine;
// other goroutines interact with the connection through WriteMsg,
// Disconnect, Close and the event feed.
type Conn struct {
	fd      net.Conn
	session *rlpx.Session
	cfg     *Config
	log     log.Logger
	clock   mclock.Clock

	wmu    sync.Mutex // serializes frame encryption and socket writes
	snappy bool       // guarded by wmu, set once during the Hello exchange

	// inbound byte accumulation. readLoop appends under bufMu so socket
	// consumption never stalls behind the run loop's own socket writes;
	// the run loop takes bytes out through take.
	bufMu sync.Mutex
	buf   bytes.Buffer

	// state below is owned exclusively by the run loop
	state       connState
	bodySize    uint32
	localHello  *Hello
	remoteHello *Hello
	running     []*protoRW
	pongTimer   mclock.ChanTimer // armed while a Pong is outstanding

	connected atomic.Bool
	protoWG   sync.WaitGroup

	readNotify chan struct{}
	readErr    chan error
	protoErr   chan error
	disc     chan DiscReason
	closed   chan struct{}

	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    DiscReason
	remote    bool
	reasonSet bool

	events event.Feed
}

func newConn(fd net.Conn, session *rlpx.Session, cfg *Config, logger log.Logger, clock mclock.Clock) *Conn {
	c := &Conn{
		fd:       fd,
		session:  session,
		cfg:      cfg,
		log:      logger,
		clock:    clock,
		state:      stateAuth,
		readNotify: make(chan struct{}, 1),
		readErr:    make(chan error, 1),
		protoErr:   make(chan error, 1),
		disc:       make(chan DiscReason),
		closed:     make(chan struct{}),
	}
	return c
}

// ID returns the remote node's static public key. On inbound connections it
// is nil until the auth packet has been parsed.
func (c *Conn) ID() *ecdsa.PublicKey {
	return c.session.RemoteID()
}

// Name returns the client identifier the remote node advertised in its
// Hello, or the empty string before the Hello exchange completes.
func (c *Conn) Name() string {
	if !c.connected.Load() {
		return ""
	}
	return c.remoteHello.Name
}

// Caps returns the capabilities advertised by the remote node, or nil
// before the Hello exchange completes.
func (c *Conn) Caps() []Cap {
	if !c.connected.Load() {
		return nil
	}
	return c.remoteHello.Caps
}

// Connected reports whether the Hello exchange has completed and
// subprotocols are running.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// NegotiatedProtocols returns the descriptors of the capability set shared
// with the remote node, ordered by name with their assigned code ranges.
func (c *Conn) NegotiatedProtocols() []ProtocolDescriptor {
	if !c.connected.Load() {
		return nil
	}
	descs := make([]ProtocolDescriptor, len(c.running))
	for i, proto := range c.running {
		descs[i] = proto.descriptor()
	}
	return descs
}

// ChainParams returns the opaque configuration handle supplied by the
// application. The transport never inspects it.
func (c *Conn) ChainParams() interface{} {
	return c.cfg.ChainParams
}

// RemoteAddr returns the remote address of the network connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.fd.RemoteAddr()
}

// LocalAddr returns the local address of the network connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.fd.LocalAddr()
}

// SubscribeEvents subscribes the given channel to connection lifecycle
// events. The channel should be buffered; delivery blocks the connection.
func (c *Conn) SubscribeEvents(ch chan<- Event) event.Subscription {
	return c.events.Subscribe(ch)
}

// Disconnect starts a graceful teardown with the given reason: the reason
// is sent to the remote end and the socket is closed after a short grace
// delay so the frame can flush. It returns immediately.
func (c *Conn) Disconnect(reason DiscReason) {
	select {
	case c.disc <- reason:
	case <-c.closed:
	}
}

// Close tears the connection down immediately without notifying the remote
// end. It is idempotent; only the first call has any effect.
func (c *Conn) Close() {
	c.close(DiscQuitting, false)
}

// WriteMsg sends a message over the connection. Payloads are compressed
// when both sides negotiated a snappy-capable protocol version.
func (c *Conn) WriteMsg(msg Msg) error {
	select {
	case <-c.closed:
		return ErrShuttingDown
	default:
	}
	data, err := payloadBytes(msg)
	if err != nil {
		return err
	}
	code, err := rlp.EncodeToBytes(msg.Code)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.snappy {
		data = snappy.Encode(nil, data)
	}
	frameData := make([]byte, 0, len(code)+len(data))
	frameData = append(frameData, code...)
	frameData = append(frameData, data...)

	header, err := c.session.CreateFrameHeader(uint32(len(frameData)))
	if err != nil {
		return err
	}
	frame, err := c.session.CreateFrameBody(frameData)
	if err != nil {
		return err
	}
	if _, err := c.fd.Write(header); err != nil {
		return err
	}
	_, err = c.fd.Write(frame)
	return err
}

// run drives the connection: it performs the handshake, dispatches inbound
// data through the state machine and handles keepalive and teardown. It is
// started by the Transport (outbound) or the Listener (inbound).
func (c *Conn) run() {
	// handlers unblock through the closed channel; collect them before
	// the run goroutine exits
	defer c.protoWG.Wait()
	go c.readLoop()

	if c.session.Initiator() {
		auth, err := c.session.CreateAuth(c.cfg.LegacyHandshake)
		if err != nil {
			c.log.Debug("Auth generation failed", "err", err)
			c.close(DiscNetworkError, false)
			return
		}
		if _, err := c.fd.Write(auth); err != nil {
			c.close(DiscNetworkError, false)
			return
		}
		c.state = stateAck
	}

	pingTimer := c.clock.NewTimer(pingInterval)
	defer pingTimer.Stop()
	handshakeTimer := c.clock.NewTimer(handshakeTimeout)
	defer handshakeTimer.Stop()
	defer func() {
		if c.pongTimer != nil {
			c.pongTimer.Stop()
		}
	}()

	for {
		var pongC, handshakeC <-chan mclock.AbsTime
		if c.pongTimer != nil {
			pongC = c.pongTimer.C()
		}
		if !c.connected.Load() {
			handshakeC = handshakeTimer.C()
		}

		select {
		case <-c.readNotify:
			if err := c.drain(); err != nil {
				if !errors.Is(err, errTornDown) {
					c.gracefulDisconnect(discReasonForError(err))
				}
				return
			}
		case err := <-c.readErr:
			c.log.Debug("Read error", "err", err)
			c.close(DiscNetworkError, true)
			return
		case <-pingTimer.C():
			pingTimer.Reset(pingInterval)
			if c.connected.Load() {
				if err := SendItems(c, pingMsg); err != nil {
					c.close(DiscNetworkError, false)
					return
				}
				if c.pongTimer == nil {
					c.pongTimer = c.clock.NewTimer(pongTimeout)
				}
			}
		case <-pongC:
			c.log.Debug("Ping timeout")
			c.gracefulDisconnect(DiscReadTimeout)
			return
		case <-handshakeC:
			c.log.Debug("Handshake timeout")
			c.close(DiscReadTimeout, false)
			return
		case reason := <-c.disc:
			c.gracefulDisconnect(reason)
			return
		case err := <-c.protoErr:
			c.gracefulDisconnect(discReasonForError(err))
			return
		case <-c.closed:
			return
		}
	}
}

// readLoop appends raw socket bytes to the accumulation buffer and nudges
// the run loop. It never waits on the run loop, so the remote end can
// always make progress on its writes even while the run loop is writing
// itself. A peer that outruns consumption by more than the buffer cap is
// cut off on the spot.
func (c *Conn) readLoop() {
	chunk := make([]byte, readChunkSize)
	for {
		c.fd.SetReadDeadline(time.Now().Add(frameReadTimeout))
		n, err := c.fd.Read(chunk)
		if n > 0 {
			c.bufMu.Lock()
			c.buf.Write(chunk[:n])
			overflow := c.buf.Len() > maxBufSize
			c.bufMu.Unlock()
			if overflow {
				c.log.Debug("Inbound buffer overflow")
				c.close(DiscProtocolError, false)
				return
			}
			select {
			case c.readNotify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			select {
			case c.readErr <- err:
			case <-c.closed:
			}
			return
		}
	}
}

// take removes the current state's byte count from the accumulation
// buffer, or reports false when not enough has arrived yet. Nothing is
// consumed until the full count is available, so no packet is ever
// partially processed.
func (c *Conn) take() ([]byte, bool) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	need := c.needBytes()
	if c.buf.Len() < need {
		return nil, false
	}
	data := make([]byte, need)
	c.buf.Read(data)
	return data, true
}

// needBytes returns how many buffered bytes the current state consumes in
// one step. Called with bufMu held.
func (c *Conn) needBytes() int {
	switch c.state {
	case stateAuth, stateAck:
		plainSize := rlpx.EncAuthMsgLen
		if c.state == stateAck {
			plainSize = rlpx.EncAuthRespLen
		}
		// A first byte other than 0x04 announces the length-prefixed
		// EIP-8 form; the expected count comes from the prefix instead.
		b := c.buf.Bytes()
		if len(b) >= 2 && b[0] != 0x04 {
			return 2 + int(uint16(b[0])<<8|uint16(b[1]))
		}
		return plainSize
	case stateBody:
		return int(rlpx.FrameBodyLen(c.bodySize))
	default:
		return rlpx.FrameHeaderLen
	}
}

// drain advances the state machine as far as the buffered bytes allow.
// Each iteration consumes exactly the current state's byte count. A nil
// return means more input is needed; errTornDown means teardown is already
// complete; any other error carries the disconnect reason.
func (c *Conn) drain() error {
	for {
		data, ok := c.take()
		if !ok {
			return nil
		}

		switch c.state {
		case stateAuth:
			if err := c.session.ParseAuth(data); err != nil {
				c.log.Debug("Auth parse failed", "err", err)
				c.close(DiscProtocolError, false)
				return errTornDown
			}
			ack, err := c.session.CreateAck()
			if err != nil {
				c.log.Debug("Ack generation failed", "err", err)
				c.close(DiscProtocolError, false)
				return errTornDown
			}
			if _, err := c.fd.Write(ack); err != nil {
				c.close(DiscNetworkError, false)
				return errTornDown
			}
			c.state = stateHeader
			if err := c.sendHello(); err != nil {
				c.close(DiscNetworkError, false)
				return errTornDown
			}
		case stateAck:
			if err := c.session.ParseAck(data); err != nil {
				c.log.Debug("Ack parse failed", "err", err)
				c.close(DiscProtocolError, false)
				return errTornDown
			}
			c.state = stateHeader
			if err := c.sendHello(); err != nil {
				c.close(DiscNetworkError, false)
				return errTornDown
			}
		case stateHeader:
			size, err := c.session.ParseFrameHeader(data)
			if err != nil {
				c.log.Debug("Bad frame header", "err", err)
				return DiscProtocolError
			}
			c.bodySize = size
			c.state = stateBody
		case stateBody:
			body, err := c.session.ParseFrameBody(data)
			if err != nil {
				c.log.Debug("Bad frame body", "err", err)
				return DiscProtocolError
			}
			c.state = stateHeader
			if err := c.handleBody(body); err != nil {
				return err
			}
		}
	}
}

// handleBody decodes the message code from a decrypted frame body and
// dispatches the message.
func (c *Conn) handleBody(body []byte) error {
	content := bytes.NewReader(body)
	var code uint64
	if err := rlp.Decode(content, &code); err != nil {
		c.log.Debug("Invalid message code", "err", err)
		return DiscProtocolError
	}
	payload := body[len(body)-content.Len():]
	if code < baseProtocolLength && len(payload) > baseProtocolMaxMsgSize {
		c.log.Debug("Oversized base protocol message", "code", code, "size", len(payload))
		return DiscProtocolError
	}

	switch {
	case code == handshakeMsg:
		return c.handleHello(payload)
	case code == discMsg:
		reason := c.decodeDisconnect(payload)
		c.log.Debug("Disconnect requested", "reason", reason)
		c.close(reason, true)
		return errTornDown
	case c.remoteHello == nil:
		// nothing but Hello and Disconnect is valid before the Hello
		// exchange has completed
		return DiscProtocolError
	case code == pingMsg:
		go SendItems(c, pongMsg)
		return nil
	case code == pongMsg:
		if c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
		return nil
	case code < baseProtocolLength:
		// ignore other base protocol messages
		return nil
	default:
		return c.dispatch(code, payload)
	}
}

// dispatch routes a subprotocol message to the capability owning the code.
func (c *Conn) dispatch(code uint64, payload []byte) error {
	proto := lookupProto(c.running, code)
	if proto == nil {
		c.log.Debug("Message code out of range", "code", code)
		return DiscProtocolError
	}
	if c.snappyEnabled() {
		size, err := snappy.DecodedLen(payload)
		if err != nil {
			return DiscSubprotocolError
		}
		if uint64(size) > uint64(rlpx.MaxFrameBody) {
			return DiscSubprotocolError
		}
		if payload, err = snappy.Decode(nil, payload); err != nil {
			return DiscSubprotocolError
		}
	}
	msg := Msg{Code: code, Size: uint32(len(payload)), Payload: bytes.NewReader(payload)}
	select {
	case proto.in <- msg:
		return nil
	case <-c.closed:
		return errTornDown
	}
}

// sendHello announces the local identity and capability list. The local
// Hello is created once and immutable afterwards.
func (c *Conn) sendHello() error {
	caps := make([]Cap, len(c.cfg.Protocols))
	for i, proto := range c.cfg.Protocols {
		caps[i] = proto.cap()
	}
	sort.Sort(capsByNameAndVersion(caps))
	hello := &Hello{
		Version:    baseProtocolVersion,
		Name:       c.cfg.Name,
		Caps:       caps,
		ListenPort: c.cfg.listenPort(),
		ID:         crypto.FromECDSAPub(&c.cfg.PrivateKey.PublicKey)[1:],
	}
	c.localHello = hello
	return Send(c, handshakeMsg, hello)
}

// handleHello validates the remote Hello, computes the negotiated
// capability set and moves the connection into its connected state.
func (c *Conn) handleHello(payload []byte) error {
	if c.remoteHello != nil {
		return DiscProtocolError
	}
	var hello Hello
	if err := rlp.DecodeBytes(payload, &hello); err != nil {
		c.log.Debug("Invalid hello", "err", err)
		return DiscProtocolError
	}
	if len(hello.ID) != 64 {
		return DiscInvalidIdentity
	}
	// The static key recovered during the encryption handshake (or supplied
	// by discovery for outbound dials) must match the declared identity.
	wantID := crypto.FromECDSAPub(c.session.RemoteID())[1:]
	if !bytes.Equal(wantID, hello.ID) {
		return DiscInvalidIdentity
	}
	for _, blocked := range c.cfg.BlockedClients {
		if strings.Contains(strings.ToLower(hello.Name), strings.ToLower(blocked)) {
			c.log.Debug("Blocked client", "name", hello.Name)
			return DiscUselessPeer
		}
	}
	c.remoteHello = &hello
	c.running = matchProtocols(c.cfg.Protocols, hello.Caps, c, c.closed)
	if len(c.running) == 0 {
		return DiscUselessPeer
	}
	if hello.Version >= snappyProtocolVersion && c.localHello.Version >= snappyProtocolVersion {
		c.setSnappy(true)
	}
	c.connected.Store(true)
	c.startProtocols()
	c.log.Debug("Connection established", "name", hello.Name, "caps", hello.Caps)
	c.events.Send(Event{Type: EventConnected})
	return nil
}

func (c *Conn) startProtocols() {
	for _, proto := range c.running {
		proto := proto
		c.log.Trace("Starting protocol", "cap", proto.cap())
		c.protoWG.Add(1)
		go func() {
			defer c.protoWG.Done()
			err := proto.Run(c, proto)
			if err == nil {
				c.log.Trace("Protocol returned", "cap", proto.cap())
				err = errors.New("protocol returned")
			} else if !errors.Is(err, io.EOF) {
				c.log.Debug("Protocol failed", "cap", proto.cap(), "err", err)
			} else {
				return
			}
			select {
			case c.protoErr <- err:
			case <-c.closed:
			}
		}()
	}
}

func (c *Conn) decodeDisconnect(payload []byte) DiscReason {
	if r, err := decodeDiscPayload(payload, c.snappyEnabled()); err == nil {
		return r
	}
	// Some clients disagree about whether the Disconnect payload is
	// compressed; retry under the opposite assumption before giving up.
	if r, err := decodeDiscPayload(payload, !c.snappyEnabled()); err == nil {
		return r
	}
	return DiscRequested
}

func decodeDiscPayload(payload []byte, compressed bool) (DiscReason, error) {
	if compressed {
		var err error
		if payload, err = snappy.Decode(nil, payload); err != nil {
			return DiscRequested, err
		}
	}
	// The reason is encoded as a one-element list by most clients, but a
	// bare integer is also seen in the wild.
	var list [1]DiscReason
	if err := rlp.DecodeBytes(payload, &list); err == nil {
		return list[0], nil
	}
	var plain uint
	err := rlp.DecodeBytes(payload, &plain)
	return DiscReason(plain), err
}

func (c *Conn) setSnappy(enabled bool) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.snappy = enabled
}

func (c *Conn) snappyEnabled() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.snappy
}

// gracefulDisconnect sends the reason to the remote end, waits briefly for
// the frame to flush (or for the remote to hang up first) and then closes.
func (c *Conn) gracefulDisconnect(reason DiscReason) {
	c.setCloseInfo(reason, false)
	done := make(chan struct{})
	go func() {
		SendItems(c, discMsg, uint(reason))
		// Wait for the other side to close the connection.
		// Discard any data that they send until then.
		io.Copy(io.Discard, c.fd)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(disconnectGracePeriod):
	case <-c.closed:
	}
	c.close(reason, false)
}

func (c *Conn) setCloseInfo(reason DiscReason, remote bool) {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if !c.reasonSet {
		c.reasonSet = true
		c.reason = reason
		c.remote = remote
	}
}

func (c *Conn) closeInfo() (DiscReason, bool) {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.reason, c.remote
}

// close finishes the teardown: it closes the socket, wakes every waiter
// and emits the single close event. Safe to call multiple times and from
// any goroutine.
func (c *Conn) close(reason DiscReason, remote bool) {
	c.closeOnce.Do(func() {
		c.setCloseInfo(reason, remote)
		close(c.closed)
		c.fd.Close()
		c.connected.Store(false)
		r, rem := c.closeInfo()
		c.log.Debug("Connection closed", "reason", r, "remote", rem)
		c.events.Send(Event{Type: EventClosed, Reason: r, Remote: rem})
	})
}
