// Package rlpx implements the RLPx handshake session: the authenticated
// ephemeral key exchange and the symmetric framing layer that carries all
// devp2p traffic once keys are established.
//
// A Session is one half of a connection. The initiator side is constructed
// with the remote's static public key and drives CreateAuth/ParseAck; the
// responder side is constructed without one and drives ParseAuth/CreateAck.
// After the exchange completes, both sides encode and decode 32-byte frame
// headers and padded frame bodies with a running keccak-256 MAC, so frames
// must be processed strictly in the order they were produced.
package rlpx

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	mrand "math/rand"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"
)

const (
	sskLen = 16                     // ecies.MaxSharedKeyLength(pubKey) / 2
	sigLen = crypto.SignatureLength // elliptic S256
	pubLen = 64                     // 512 bit pubkey in uncompressed representation without format byte
	shaLen = 32                     // hash length (for nonce etc)

	authMsgLen  = sigLen + shaLen + pubLen + shaLen + 1
	authRespLen = pubLen + shaLen + 1

	eciesOverhead = 65 /* pubkey */ + 16 /* IV */ + 32 /* MAC */

	// EncAuthMsgLen is the exact size of an encrypted pre-EIP-8 auth packet.
	EncAuthMsgLen = authMsgLen + eciesOverhead // 307
	// EncAuthRespLen is the exact size of an encrypted pre-EIP-8 auth response.
	EncAuthRespLen = authRespLen + eciesOverhead // 210

	// FrameHeaderLen is the size of an encrypted frame header plus its MAC.
	FrameHeaderLen = 32
	frameMACLen    = 16

	// MaxFrameBody is the largest body length a frame header can carry.
	MaxFrameBody = ^uint32(0) >> 8 // uint24
)

var (
	// this is used in place of actual frame header data, which devp2p
	// never interprets.
	zeroHeader = []byte{0xC2, 0x80, 0x80}
	// sixteen zero bytes, used for frame padding.
	zero16 = make([]byte, 16)

	padSpace = make([]byte, 300)

	ErrBadHeaderMAC = errors.New("rlpx: bad frame header MAC")
	ErrBadBodyMAC   = errors.New("rlpx: bad frame body MAC")

	// ErrMessageTooLarge is returned if a frame body length exceeds the
	// allowed 24 bits (i.e. length >= 16MB).
	ErrMessageTooLarge = errors.New("rlpx: message length >= 16MB")

	errNoSecrets    = errors.New("rlpx: frame secrets not derived yet")
	errBadFrameSize = errors.New("rlpx: frame body has wrong length")
)

// HandshakeError wraps failures to produce or interpret auth/ack packets.
// Its presence tells the connection layer that the remote's handshake input
// was malformed rather than that the socket failed.
type HandshakeError struct {
	Op  string
	Err error
}

func (e *HandshakeError) Error() string { return "rlpx: " + e.Op + ": " + e.Err.Error() }
func (e *HandshakeError) Unwrap() error { return e.Err }

// Session holds the state of the encryption handshake and, once the
// handshake has completed, the symmetric frame ciphers and MAC hashes.
type Session struct {
	initiator bool
	prv       *ecies.PrivateKey
	remote    *ecies.PublicKey // static remote key, nil on responder until ParseAuth

	initNonce, respNonce []byte
	ephemeralPrv         *ecies.PrivateKey // ecdhe-random
	remoteEphemeralPub   *ecies.PublicKey  // ecdhe-random-pubk
	gotPlain             bool              // whether the received auth packet had the legacy format

	// raw packets, kept around to seed the MAC states
	authPacket, ackPacket []byte

	enc, dec   cipher.Stream
	macCipher  cipher.Block
	egressMAC  hash.Hash
	ingressMAC hash.Hash

	bodySize uint32 // body length announced by the last parsed header
}

// NewSession creates a handshake session using the local static private key.
// remote is the static public key of the dialed node and must be non-nil on
// the initiator side; pass nil for inbound (responder) sessions.
func NewSession(prv *ecdsa.PrivateKey, remote *ecdsa.PublicKey) *Session {
	s := &Session{prv: ecies.ImportECDSA(prv)}
	if remote != nil {
		s.initiator = true
		s.remote = ecies.ImportECDSAPublic(remote)
	}
	return s
}

// Initiator reports whether the session was constructed for an outbound dial.
func (s *Session) Initiator() bool { return s.initiator }

// RemoteID returns the static public key of the remote end. On the responder
// side it is only known after ParseAuth has succeeded.
func (s *Session) RemoteID() *ecdsa.PublicKey {
	if s.remote == nil {
		return nil
	}
	return s.remote.ExportECDSA()
}

// CreateAuth encodes and encrypts the initiator's auth packet. With legacy
// set, the packet is the fixed-size pre-EIP-8 form (EncAuthMsgLen bytes);
// otherwise it is the length-prefixed EIP-8 form.
func (s *Session) CreateAuth(legacy bool) ([]byte, error) {
	if !s.initiator {
		panic("rlpx: CreateAuth called on responder session")
	}
	s.initNonce = make([]byte, shaLen)
	if _, err := rand.Read(s.initNonce); err != nil {
		return nil, err
	}
	var err error
	s.ephemeralPrv, err = ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
	if err != nil {
		return nil, err
	}

	// Sign known message: static-shared-secret ^ nonce
	token, err := s.staticSharedSecret()
	if err != nil {
		return nil, err
	}
	signed := xor(token, s.initNonce)
	signature, err := crypto.Sign(signed, s.ephemeralPrv.ExportECDSA())
	if err != nil {
		return nil, err
	}

	var packet []byte
	if legacy {
		// sig || keccak256(ephemeral-pubk) || pubk || nonce || 0x00
		buf := make([]byte, authMsgLen)
		n := copy(buf, signature)
		n += copy(buf[n:], crypto.Keccak256(exportPubkey(&s.ephemeralPrv.PublicKey)))
		n += copy(buf[n:], crypto.FromECDSAPub(s.prv.PublicKey.ExportECDSA())[1:])
		copy(buf[n:], s.initNonce)
		packet, err = ecies.Encrypt(rand.Reader, s.remote, buf, nil, nil)
	} else {
		msg := &authMsgV4{Version: 4}
		copy(msg.Signature[:], signature)
		copy(msg.InitiatorPubkey[:], crypto.FromECDSAPub(s.prv.PublicKey.ExportECDSA())[1:])
		copy(msg.Nonce[:], s.initNonce)
		packet, err = sealEIP8(msg, s.remote)
	}
	if err != nil {
		return nil, err
	}
	s.authPacket = packet
	return packet, nil
}

// ParseAuth decodes an auth packet on the responder side. The caller must
// supply the complete packet: exactly EncAuthMsgLen bytes for the legacy
// format, or the full length-prefixed packet for the EIP-8 format (the
// expected total is 2 plus the big-endian uint16 in the first two bytes,
// signalled by a first byte other than 0x04).
func (s *Session) ParseAuth(packet []byte) error {
	if s.initiator {
		panic("rlpx: ParseAuth called on initiator session")
	}
	msg := new(authMsgV4)
	if err := s.readAuthPacket(packet, msg); err != nil {
		return &HandshakeError{"parse auth", err}
	}
	rpub, err := importPublicKey(msg.InitiatorPubkey[:])
	if err != nil {
		return &HandshakeError{"parse auth", err}
	}
	s.initNonce = msg.Nonce[:]
	s.remote = rpub

	if s.ephemeralPrv == nil {
		s.ephemeralPrv, err = ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
		if err != nil {
			return err
		}
	}

	// Recover the remote ephemeral key from the signature over
	// static-shared-secret ^ nonce.
	token, err := s.staticSharedSecret()
	if err != nil {
		return &HandshakeError{"parse auth", err}
	}
	signedMsg := xor(token, s.initNonce)
	remoteEphemeral, err := crypto.Ecrecover(signedMsg, msg.Signature[:])
	if err != nil {
		return &HandshakeError{"parse auth", err}
	}
	s.remoteEphemeralPub, err = importPublicKey(remoteEphemeral)
	if err != nil {
		return &HandshakeError{"parse auth", err}
	}
	s.authPacket = packet
	return nil
}

func (s *Session) readAuthPacket(packet []byte, msg *authMsgV4) error {
	if len(packet) == 0 {
		return errors.New("empty packet")
	}
	if packet[0] == 0x04 {
		// Legacy format: fixed size, no shared MAC data.
		if len(packet) != EncAuthMsgLen {
			return fmt.Errorf("legacy auth packet has wrong size: %d", len(packet))
		}
		dec, err := s.prv.Decrypt(packet, nil, nil)
		if err != nil {
			return err
		}
		n := copy(msg.Signature[:], dec)
		n += shaLen // skip keccak256(initiator-ephemeral-pubk)
		n += copy(msg.InitiatorPubkey[:], dec[n:])
		copy(msg.Nonce[:], dec[n:])
		msg.Version = 4
		s.gotPlain = true
		return nil
	}
	return s.readEIP8Packet(packet, msg)
}

// CreateAck encodes and encrypts the responder's ack packet. The format
// follows the auth packet that was received: a legacy auth gets a legacy
// (EncAuthRespLen bytes) ack, an EIP-8 auth gets an EIP-8 ack. The session
// derives its frame secrets before returning, so responders are ready for
// framed I/O as soon as CreateAck succeeds.
func (s *Session) CreateAck() ([]byte, error) {
	if s.initiator {
		panic("rlpx: CreateAck called on initiator session")
	}
	s.respNonce = make([]byte, shaLen)
	if _, err := rand.Read(s.respNonce); err != nil {
		return nil, err
	}

	var (
		packet []byte
		err    error
	)
	if s.gotPlain {
		// ephemeral-pubk || nonce || 0x00
		buf := make([]byte, authRespLen)
		n := copy(buf, exportPubkey(&s.ephemeralPrv.PublicKey))
		copy(buf[n:], s.respNonce)
		packet, err = ecies.Encrypt(rand.Reader, s.remote, buf, nil, nil)
	} else {
		msg := &authRespV4{Version: 4}
		copy(msg.RandomPubkey[:], exportPubkey(&s.ephemeralPrv.PublicKey))
		copy(msg.Nonce[:], s.respNonce)
		packet, err = sealEIP8(msg, s.remote)
	}
	if err != nil {
		return nil, err
	}
	s.ackPacket = packet
	return packet, s.deriveSecrets()
}

// ParseAck decodes the responder's ack packet on the initiator side and
// completes key derivation. The caller supplies the complete packet, sized
// by the same rule as ParseAuth (EncAuthRespLen bytes for legacy, first
// byte != 0x04 switches to the length-prefixed interpretation).
func (s *Session) ParseAck(packet []byte) error {
	if !s.initiator {
		panic("rlpx: ParseAck called on responder session")
	}
	msg := new(authRespV4)
	if err := s.readAckPacket(packet, msg); err != nil {
		return &HandshakeError{"parse ack", err}
	}
	s.respNonce = msg.Nonce[:]
	var err error
	s.remoteEphemeralPub, err = importPublicKey(msg.RandomPubkey[:])
	if err != nil {
		return &HandshakeError{"parse ack", err}
	}
	s.ackPacket = packet
	return s.deriveSecrets()
}

func (s *Session) readAckPacket(packet []byte, msg *authRespV4) error {
	if len(packet) == 0 {
		return errors.New("empty packet")
	}
	if packet[0] == 0x04 {
		if len(packet) != EncAuthRespLen {
			return fmt.Errorf("legacy ack packet has wrong size: %d", len(packet))
		}
		dec, err := s.prv.Decrypt(packet, nil, nil)
		if err != nil {
			return err
		}
		n := copy(msg.RandomPubkey[:], dec)
		copy(msg.Nonce[:], dec[n:])
		msg.Version = 4
		return nil
	}
	return s.readEIP8Packet(packet, msg)
}

func (s *Session) readEIP8Packet(packet []byte, msg interface{}) error {
	if len(packet) < 2 {
		return errors.New("EIP-8 packet too short")
	}
	prefix := packet[:2]
	size := binary.BigEndian.Uint16(prefix)
	if int(size)+2 != len(packet) {
		return fmt.Errorf("EIP-8 packet has wrong size: declared %d, have %d", size, len(packet)-2)
	}
	dec, err := s.prv.Decrypt(packet[2:], nil, prefix)
	if err != nil {
		return err
	}
	// Can't use rlp.DecodeBytes here because it rejects
	// trailing data (forward-compatibility).
	r := rlp.NewStream(bytes.NewReader(dec), 0)
	return r.Decode(msg)
}

// deriveSecrets computes the frame encryption and MAC state from the
// completed key exchange. Called once per session, from CreateAck on the
// responder and ParseAck on the initiator.
func (s *Session) deriveSecrets() error {
	ecdheSecret, err := s.ephemeralPrv.GenerateShared(s.remoteEphemeralPub, sskLen, sskLen)
	if err != nil {
		return &HandshakeError{"derive secrets", err}
	}
	sharedSecret := crypto.Keccak256(ecdheSecret, crypto.Keccak256(s.respNonce, s.initNonce))
	aesSecret := crypto.Keccak256(ecdheSecret, sharedSecret)
	macSecret := crypto.Keccak256(ecdheSecret, aesSecret)

	macc, err := aes.NewCipher(macSecret)
	if err != nil {
		panic("invalid MAC secret: " + err.Error())
	}
	encc, err := aes.NewCipher(aesSecret)
	if err != nil {
		panic("invalid AES secret: " + err.Error())
	}
	// we use an all-zeroes IV for AES because the key used
	// for encryption is ephemeral.
	iv := make([]byte, encc.BlockSize())
	s.enc = cipher.NewCTR(encc, iv)
	s.dec = cipher.NewCTR(encc, iv)
	s.macCipher = macc

	// setup keccak instances for the MACs, seeded with the handshake packets
	mac1 := sha3.NewLegacyKeccak256()
	mac1.Write(xor(macSecret, s.respNonce))
	mac1.Write(s.authPacket)
	mac2 := sha3.NewLegacyKeccak256()
	mac2.Write(xor(macSecret, s.initNonce))
	mac2.Write(s.ackPacket)
	if s.initiator {
		s.egressMAC, s.ingressMAC = mac1, mac2
	} else {
		s.egressMAC, s.ingressMAC = mac2, mac1
	}
	return nil
}

// CreateFrameHeader encrypts and MACs a 32-byte frame header announcing a
// body of bodySize bytes.
func (s *Session) CreateFrameHeader(bodySize uint32) ([]byte, error) {
	if s.enc == nil {
		return nil, errNoSecrets
	}
	if bodySize > MaxFrameBody {
		return nil, ErrMessageTooLarge
	}
	header := make([]byte, FrameHeaderLen)
	putUint24(bodySize, header)
	copy(header[3:], zeroHeader)
	s.enc.XORKeyStream(header[:16], header[:16])
	copy(header[16:], updateMAC(s.egressMAC, s.macCipher, header[:16]))
	return header, nil
}

// ParseFrameHeader verifies and decrypts a 32-byte frame header, returning
// the body length it announces. The length is remembered so ParseFrameBody
// can strip padding.
func (s *Session) ParseFrameHeader(header []byte) (uint32, error) {
	if s.dec == nil {
		return 0, errNoSecrets
	}
	if len(header) != FrameHeaderLen {
		return 0, fmt.Errorf("rlpx: frame header has wrong length %d", len(header))
	}
	shouldMAC := updateMAC(s.ingressMAC, s.macCipher, header[:16])
	if !hmac.Equal(shouldMAC, header[16:]) {
		return 0, ErrBadHeaderMAC
	}
	plain := make([]byte, 16)
	s.dec.XORKeyStream(plain, header[:16])
	s.bodySize = readUint24(plain)
	return s.bodySize, nil
}

// CreateFrameBody pads, encrypts and MACs a message body. The returned
// slice is FrameBodyLen(len(data)) bytes long.
func (s *Session) CreateFrameBody(data []byte) ([]byte, error) {
	if s.enc == nil {
		return nil, errNoSecrets
	}
	if uint64(len(data)) > uint64(MaxFrameBody) {
		return nil, ErrMessageTooLarge
	}
	padded := data
	if padding := len(data) % 16; padding > 0 {
		padded = append(append([]byte{}, data...), zero16[:16-padding]...)
	}
	frame := make([]byte, len(padded)+frameMACLen)
	s.enc.XORKeyStream(frame[:len(padded)], padded)
	s.egressMAC.Write(frame[:len(padded)])
	fmacseed := s.egressMAC.Sum(nil)
	copy(frame[len(padded):], updateMAC(s.egressMAC, s.macCipher, fmacseed))
	return frame, nil
}

// ParseFrameBody verifies, decrypts and unpads a frame body. data must be
// exactly FrameBodyLen bytes for the length announced by the last parsed
// header.
func (s *Session) ParseFrameBody(data []byte) ([]byte, error) {
	if s.dec == nil {
		return nil, errNoSecrets
	}
	if uint32(len(data)) != FrameBodyLen(s.bodySize) {
		return nil, errBadFrameSize
	}
	ct, mac := data[:len(data)-frameMACLen], data[len(data)-frameMACLen:]
	s.ingressMAC.Write(ct)
	fmacseed := s.ingressMAC.Sum(nil)
	shouldMAC := updateMAC(s.ingressMAC, s.macCipher, fmacseed)
	if !hmac.Equal(shouldMAC, mac) {
		return nil, ErrBadBodyMAC
	}
	body := make([]byte, len(ct))
	s.dec.XORKeyStream(body, ct)
	size := s.bodySize
	s.bodySize = 0
	return body[:size], nil
}

// FrameBodyLen returns the on-wire size of a frame body carrying size
// payload bytes: the payload padded to a 16-byte boundary plus the MAC.
func FrameBodyLen(size uint32) uint32 {
	padded := size
	if padding := size % 16; padding > 0 {
		padded += 16 - padding
	}
	return padded + frameMACLen
}

// updateMAC reseeds the given hash with encrypted seed.
// it returns the first 16 bytes of the hash sum after seeding.
func updateMAC(mac hash.Hash, block cipher.Block, seed []byte) []byte {
	aesbuf := make([]byte, aes.BlockSize)
	block.Encrypt(aesbuf, mac.Sum(nil))
	for i := range aesbuf {
		aesbuf[i] ^= seed[i]
	}
	mac.Write(aesbuf)
	return mac.Sum(nil)[:16]
}

// staticSharedSecret returns the result of key agreement between the local
// and remote static node keys.
func (s *Session) staticSharedSecret() ([]byte, error) {
	return s.prv.GenerateShared(s.remote, sskLen, sskLen)
}

// RLPx v4 handshake auth (defined in EIP-8).
type authMsgV4 struct {
	Signature       [sigLen]byte
	InitiatorPubkey [pubLen]byte
	Nonce           [shaLen]byte
	Version         uint

	// Ignore additional fields (forward-compatibility)
	Rest []rlp.RawValue `rlp:"tail"`
}

// RLPx v4 handshake response (defined in EIP-8).
type authRespV4 struct {
	RandomPubkey [pubLen]byte
	Nonce        [shaLen]byte
	Version      uint

	// Ignore additional fields (forward-compatibility)
	Rest []rlp.RawValue `rlp:"tail"`
}

func sealEIP8(msg interface{}, remote *ecies.PublicKey) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := rlp.Encode(buf, msg); err != nil {
		return nil, err
	}
	// pad with random amount of data. the amount needs to be at least 100 bytes to make
	// the message distinguishable from pre-EIP-8 handshakes.
	pad := padSpace[:mrand.Intn(len(padSpace)-100)+100]
	buf.Write(pad)
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, uint16(buf.Len()+eciesOverhead))

	enc, err := ecies.Encrypt(rand.Reader, remote, buf.Bytes(), nil, prefix)
	return append(prefix, enc...), err
}

// importPublicKey unmarshals 512 bit public keys.
func importPublicKey(pubKey []byte) (*ecies.PublicKey, error) {
	var pubKey65 []byte
	switch len(pubKey) {
	case 64:
		// add 'uncompressed key' flag
		pubKey65 = append([]byte{0x04}, pubKey...)
	case 65:
		pubKey65 = pubKey
	default:
		return nil, fmt.Errorf("invalid public key length %v (expect 64/65)", len(pubKey))
	}
	pub, err := crypto.UnmarshalPubkey(pubKey65)
	if err != nil {
		return nil, err
	}
	return ecies.ImportECDSAPublic(pub), nil
}

func exportPubkey(pub *ecies.PublicKey) []byte {
	if pub == nil {
		panic("nil pubkey")
	}
	return elliptic.Marshal(pub.Curve, pub.X, pub.Y)[1:]
}

func readUint24(b []byte) uint32 {
	return uint32(b[2]) | uint32(b[1])<<8 | uint32(b[0])<<16
}

func putUint24(v uint32, b []byte) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func xor(one, other []byte) (xor []byte) {
	xor = make([]byte, len(one))
	for i := 0; i < len(one); i++ {
		xor[i] = one[i] ^ other[i]
	}
	return xor
}
