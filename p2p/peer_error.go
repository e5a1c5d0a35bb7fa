package p2p

import (
	"errors"
	"fmt"

	"github.com/ChefBingbong/go-devp2p/rlpx"
)

// DiscReason is a wire-level disconnect reason code. It is carried as the
// single RLP-encoded unsigned integer payload of a Disconnect message.
type DiscReason uint8

const (
	DiscRequested DiscReason = iota
	DiscNetworkError
	DiscProtocolError
	DiscUselessPeer
	DiscTooManyPeers
	DiscAlreadyConnected
	DiscIncompatibleVersion
	DiscInvalidIdentity
	DiscQuitting
	DiscUnexpectedIdentity
	DiscSelf
	DiscReadTimeout
	DiscSubprotocolError = DiscReason(0x10)
)

var discReasonToString = [...]string{
	DiscRequested:           "disconnect requested",
	DiscNetworkError:        "network error",
	DiscProtocolError:       "breach of protocol",
	DiscUselessPeer:         "useless peer",
	DiscTooManyPeers:        "too many peers",
	DiscAlreadyConnected:    "already connected",
	DiscIncompatibleVersion: "incompatible p2p protocol version",
	DiscInvalidIdentity:     "invalid node identity",
	DiscQuitting:            "client quitting",
	DiscUnexpectedIdentity:  "unexpected identity",
	DiscSelf:                "connected to self",
	DiscReadTimeout:         "read timeout",
	DiscSubprotocolError:    "subprotocol error",
}

func (d DiscReason) String() string {
	if len(discReasonToString) <= int(d) || discReasonToString[d] == "" {
		return fmt.Sprintf("unknown disconnect reason %d", uint8(d))
	}
	return discReasonToString[d]
}

func (d DiscReason) Error() string {
	return d.String()
}

// Error codes for connection-internal failures that map onto a disconnect
// reason when they surface.
const (
	errInvalidMsgCode = iota
	errInvalidMsg
)

var errorToString = map[int]string{
	errInvalidMsgCode: "invalid message code",
	errInvalidMsg:     "invalid message",
}

type peerError struct {
	code    int
	message string
}

func newPeerError(code int, format string, v ...interface{}) *peerError {
	desc, ok := errorToString[code]
	if !ok {
		panic("invalid error code")
	}
	err := &peerError{code, desc}
	if format != "" {
		err.message += ": " + fmt.Sprintf(format, v...)
	}
	return err
}

func (pe *peerError) Error() string {
	return pe.message
}

// ErrClosed is returned from I/O operations on a connection that has been
// torn down.
var ErrClosed = errors.New("p2p: connection closed")

// ErrShuttingDown is returned on writes racing a local disconnect.
var ErrShuttingDown = errors.New("p2p: shutting down")

// discReasonForError maps an internal failure to the disconnect reason that
// is sent to the remote end.
func discReasonForError(err error) DiscReason {
	if reason, ok := err.(DiscReason); ok {
		return reason
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrShuttingDown) {
		return DiscQuitting
	}
	var hserr *rlpx.HandshakeError
	if errors.As(err, &hserr) {
		return DiscProtocolError
	}
	var pe *peerError
	if errors.As(err, &pe) {
		switch pe.code {
		case errInvalidMsgCode, errInvalidMsg:
			return DiscProtocolError
		}
	}
	return DiscSubprotocolError
}
