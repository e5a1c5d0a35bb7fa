package p2p

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// ListenerStatus is the accept-loop state of a Listener.
type ListenerStatus int

const (
	// ListenerInactive means the listener has not been started, or has
	// been closed for good.
	ListenerInactive ListenerStatus = iota
	// ListenerActive means the listener is accepting inbound sockets.
	ListenerActive
	// ListenerPaused means the socket is bound but accepting is suspended
	// until the connection count drops below the low watermark.
	ListenerPaused
)

func (s ListenerStatus) String() string {
	switch s {
	case ListenerInactive:
		return "inactive"
	case ListenerActive:
		return "active"
	case ListenerPaused:
		return "paused"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyListening is returned by Listen when the listener is
	// already running.
	ErrAlreadyListening = errors.New("p2p: listener already started")
	// ErrNotListening is returned by Close when the listener is not
	// running.
	ErrNotListening = errors.New("p2p: listener not started")
	// ErrListenerClosed is returned by Listen after Close; a closed
	// listener cannot be restarted.
	ErrListenerClosed = errors.New("p2p: listener closed")
	// ErrInvalidWatermarks is returned by Transport.CreateListener when
	// CloseAbove is below ListenBelow.
	ErrInvalidWatermarks = errors.New("p2p: CloseAbove watermark below ListenBelow")
)

// Listener accepts inbound connections for a Transport and tracks them
// until they close. Accepting is governed by hysteresis watermarks: when
// the tracked connection count reaches CloseAbove the accept loop pauses,
// and it resumes once closures bring the count below ListenBelow.
type Listener struct {
	transport *Transport
	log       log.Logger

	mu     sync.Mutex
	status ListenerStatus
	ln     net.Listener
	addrs  []net.Addr

	conns    mapset.Set[*Conn]
	resume   chan struct{}
	quit     chan struct{}
	wg       sync.WaitGroup
	peerFeed event.Feed
}

func newListener(t *Transport) *Listener {
	return &Listener{
		transport: t,
		log:       t.log.New("listen", t.cfg.ListenAddr),
		conns:     mapset.NewSet[*Conn](),
		resume:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

// Listen binds the configured address and starts the accept loop.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.quit:
		return ErrListenerClosed
	default:
	}
	if l.status != ListenerInactive {
		return ErrAlreadyListening
	}
	ln, err := net.Listen("tcp", l.transport.cfg.ListenAddr)
	if err != nil {
		return err
	}
	l.ln = ln
	l.addrs = listenAddrs(ln.Addr())
	l.status = ListenerActive
	l.wg.Add(1)
	go l.acceptLoop()
	l.log.Info("Listener up", "addrs", l.addrs)
	return nil
}

// Status returns the current accept-loop state.
func (l *Listener) Status() ListenerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Addrs returns the bound listen addresses. A wildcard bind is expanded
// to one address per local interface.
func (l *Listener) Addrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addrs
}

// ConnCount returns the number of tracked connections, including those
// still handshaking.
func (l *Listener) ConnCount() int {
	return l.conns.Cardinality()
}

// SubscribePeers delivers each inbound connection that completes its
// handshake to the given channel.
func (l *Listener) SubscribePeers(ch chan<- *Conn) event.Subscription {
	return l.peerFeed.Subscribe(ch)
}

// Close stops accepting, closes every tracked connection and waits for
// their teardown, bounded by ctx. The listener cannot be restarted
// afterwards.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.status == ListenerInactive {
		l.mu.Unlock()
		return ErrNotListening
	}
	l.status = ListenerInactive
	ln := l.ln
	l.mu.Unlock()

	close(l.quit)
	ln.Close()
	for _, c := range l.conns.ToSlice() {
		c.Close()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.log.Info("Listener down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		for l.Status() == ListenerPaused {
			select {
			case <-l.resume:
			case <-l.quit:
				return
			}
		}
		fd, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Debug("Accept error", "err", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		l.onSocket(fd)
	}
}

func (l *Listener) onSocket(fd net.Conn) {
	l.mu.Lock()
	if l.status != ListenerActive {
		l.mu.Unlock()
		fd.Close()
		return
	}
	l.mu.Unlock()

	ingressConnectMeter.Mark(1)
	c := l.transport.setupConn(fd, nil)
	l.conns.Add(c)
	activeConnsGauge.Inc(1)

	events := make(chan Event, 4)
	sub := c.SubscribeEvents(events)
	l.wg.Add(1)
	go l.trackConn(c, events, sub)
	go c.run()
}

// trackConn follows one connection's lifecycle events and drives the
// accept-loop hysteresis. It exits when the connection closes; Close
// guarantees that happens by closing every tracked connection.
func (l *Listener) trackConn(c *Conn, events chan Event, sub event.Subscription) {
	defer l.wg.Done()
	defer sub.Unsubscribe()
	for ev := range events {
		switch ev.Type {
		case EventConnected:
			l.peerFeed.Send(c)
			if l.conns.Cardinality() >= l.transport.cfg.CloseAbove {
				l.pauseAccepting()
			}
		case EventClosed:
			l.conns.Remove(c)
			activeConnsGauge.Dec(1)
			if l.conns.Cardinality() < l.transport.cfg.ListenBelow {
				l.resumeAccepting()
			}
			return
		}
	}
}

func (l *Listener) pauseAccepting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != ListenerActive {
		return
	}
	l.status = ListenerPaused
	l.log.Info("Accepting paused", "conns", l.conns.Cardinality())
}

func (l *Listener) resumeAccepting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != ListenerPaused {
		return
	}
	l.status = ListenerActive
	select {
	case l.resume <- struct{}{}:
	default:
	}
	l.log.Info("Accepting resumed", "conns", l.conns.Cardinality())
}

// listenAddrs expands a wildcard bind address into the concrete addresses
// peers can dial.
func listenAddrs(addr net.Addr) []net.Addr {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return []net.Addr{addr}
	}
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return []net.Addr{addr}
	}
	var out []net.Addr
	for _, ia := range ifaceAddrs {
		ipnet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		if (tcp.IP.To4() != nil) != (ipnet.IP.To4() != nil) {
			continue
		}
		out = append(out, &net.TCPAddr{IP: ipnet.IP, Port: tcp.Port})
	}
	if len(out) == 0 {
		return []net.Addr{addr}
	}
	return out
}
