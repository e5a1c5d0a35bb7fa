package p2p

import (
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

const (
	baseProtocolVersion    = 5
	baseProtocolLength     = uint64(16)
	baseProtocolMaxMsgSize = 2 * 1024

	// snappyProtocolVersion is the earliest base-protocol version that
	// compresses message payloads.
	snappyProtocolVersion = 5
)

// devp2p base protocol message codes
const (
	handshakeMsg = 0x00
	discMsg      = 0x01
	pingMsg      = 0x02
	pongMsg      = 0x03
)

// Cap is the structure of a capability advertised in the Hello message.
type Cap struct {
	Name    string
	Version uint
}

func (cap Cap) String() string {
	return fmt.Sprintf("%s/%d", cap.Name, cap.Version)
}

type capsByNameAndVersion []Cap

func (cs capsByNameAndVersion) Len() int      { return len(cs) }
func (cs capsByNameAndVersion) Swap(i, j int) { cs[i], cs[j] = cs[j], cs[i] }
func (cs capsByNameAndVersion) Less(i, j int) bool {
	return cs[i].Name < cs[j].Name || (cs[i].Name == cs[j].Name && cs[i].Version < cs[j].Version)
}

// Protocol represents a subprotocol carried over the connection. Messages
// routed to it have their code rebased to the protocol's own zero-based
// space.
type Protocol struct {
	// Name should contain the official protocol name,
	// often a three-letter word.
	Name string

	// Version should contain the version number of the protocol.
	Version uint

	// Length should contain the number of message codes used
	// by the protocol.
	Length uint64

	// Run is called in a new goroutine when the protocol has been
	// negotiated with a peer. It should read and write messages from
	// rw. The Payload for each message must be fully consumed.
	//
	// The connection is closed when Run returns. It should return any
	// protocol-level error (such as an I/O error) that is encountered.
	Run func(conn *Conn, rw MsgReadWriter) error
}

func (p Protocol) cap() Cap {
	return Cap{p.Name, p.Version}
}

// Hello is the RLP structure of the base-protocol handshake message.
// It is created once per direction and immutable afterwards.
type Hello struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         []byte // 64-byte secp256k1 public key

	// Ignore additional fields (forward-compatibility).
	Rest []rlp.RawValue `rlp:"tail"`
}

// ProtocolDescriptor is one entry of a connection's negotiated protocol
// set: a capability together with the absolute message-code range assigned
// to it.
type ProtocolDescriptor struct {
	Cap    Cap
	Offset uint64
	Length uint64
}

// matchProtocols computes the negotiated protocol set for a connection.
// For every capability name both sides support, only the highest mutual
// version is kept. The negotiated set is ordered by name ascending and
// assigned contiguous, non-overlapping code ranges starting right after
// the space reserved for the base protocol.
func matchProtocols(protocols []Protocol, caps []Cap, rw MsgWriter, closed <-chan struct{}) []*protoRW {
	sort.Sort(capsByNameAndVersion(caps))
	best := make(map[string]Protocol)
	for _, cap := range caps {
		for _, proto := range protocols {
			if proto.Name == cap.Name && proto.Version == cap.Version {
				if old, ok := best[cap.Name]; !ok || old.Version < proto.Version {
					best[cap.Name] = proto
				}
			}
		}
	}
	names := make([]string, 0, len(best))
	for name := range best {
		names = append(names, name)
	}
	sort.Strings(names)

	offset := baseProtocolLength
	result := make([]*protoRW, 0, len(best))
	for _, name := range names {
		proto := best[name]
		result = append(result, &protoRW{Protocol: proto, offset: offset, in: make(chan Msg), closed: closed, w: rw})
		offset += proto.Length
	}
	return result
}

// lookupProto finds the protocol responsible for handling the given
// absolute message code, or nil if the code falls outside every
// negotiated range.
func lookupProto(running []*protoRW, code uint64) *protoRW {
	for _, proto := range running {
		if code >= proto.offset && code < proto.offset+proto.Length {
			return proto
		}
	}
	return nil
}

// protoRW is the MsgReadWriter handed to a protocol's Run function. It
// rebases message codes between the protocol's local numbering and the
// absolute code space of the connection.
type protoRW struct {
	Protocol

	in     chan Msg
	closed <-chan struct{}
	offset uint64
	w      MsgWriter
}

func (rw *protoRW) WriteMsg(msg Msg) error {
	if msg.Code >= rw.Length {
		return newPeerError(errInvalidMsgCode, "code %x is out of range for protocol %q", msg.Code, rw.Name)
	}
	msg.Code += rw.offset
	return rw.w.WriteMsg(msg)
}

func (rw *protoRW) ReadMsg() (Msg, error) {
	select {
	case msg := <-rw.in:
		msg.Code -= rw.offset
		return msg, nil
	case <-rw.closed:
		return Msg{}, io.EOF
	}
}

func (rw *protoRW) descriptor() ProtocolDescriptor {
	return ProtocolDescriptor{Cap: rw.cap(), Offset: rw.offset, Length: rw.Length}
}
