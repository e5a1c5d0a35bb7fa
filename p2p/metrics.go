// Contains the meters and gauges used by the wire transport.

package p2p

import (
	"net"

	"github.com/ethereum/go-ethereum/metrics"
)

var (
	ingressConnectMeter = metrics.NewRegisteredMeter("p2p/dials/ingress", nil)
	egressConnectMeter  = metrics.NewRegisteredMeter("p2p/dials/egress", nil)
	ingressTrafficMeter = metrics.NewRegisteredMeter("p2p/traffic/ingress", nil)
	egressTrafficMeter  = metrics.NewRegisteredMeter("p2p/traffic/egress", nil)
	activeConnsGauge    = metrics.NewRegisteredGauge("p2p/conns", nil)
)

// meteredConn wraps a network connection, feeding the traffic meters on
// every read and write.
type meteredConn struct {
	net.Conn
	inbound bool
}

// newMeteredConn wraps the socket unless metrics collection is disabled.
func newMeteredConn(fd net.Conn, inbound bool) net.Conn {
	if !metrics.Enabled {
		return fd
	}
	return &meteredConn{Conn: fd, inbound: inbound}
}

func (c *meteredConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	ingressTrafficMeter.Mark(int64(n))
	return n, err
}

func (c *meteredConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	egressTrafficMeter.Mark(int64(n))
	return n, err
}
