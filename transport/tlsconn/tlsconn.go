// Package tlsconn implements rsapi.Transport over a genuine TLS connection
// whose ClientHello fingerprint matches a real browser, using uTLS instead
// of the standard library's crypto/tls so the handshake is not
// distinguishable from ordinary browser traffic on the wire.
//
// Grounded on buildClientHello in internal/client/TLS.go, adapted from
// uTLS used only to fabricate a ClientHello inside Cloak's own steganographic
// record-layer protocol into uTLS driving an actual TLS handshake — a real
// connection rather than a fake one, since this transport carries RSocket
// frames directly rather than a second smuggled protocol.
package tlsconn

import (
	"bufio"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/crypto/chacha20poly1305"
)

var errShortSealedRecord = errors.New("tlsconn: sealed record shorter than the AEAD nonce")

// NewOuterAEAD builds the optional outer payload-confidentiality layer this
// transport can apply on top of its already-TLS-protected stream, from a
// 32-byte chacha20poly1305 key. It is independent of RSocket's own frame
// layout: a caller who wants payload confidentiality that survives a
// TLS-terminating proxy passes the result to Dial; everyone else passes nil
// and gets a plain TLS-protected transport.
func NewOuterAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

// Conn wraps a uTLS connection to implement rsapi.Transport. With aead nil,
// each frame is length-prefixed on the wire by frame.Encode's own 3-byte
// prefix and Recv reads exactly that many bytes. With aead set, every
// already-framed buffer is sealed as one AEAD record under its own 4-byte
// outer length prefix, so the inner 3-byte RSocket length prefix is itself
// encrypted rather than visible on the wire.
type Conn struct {
	raw    net.Conn
	tls    *utls.UConn
	r      *bufio.Reader
	writeM sync.Mutex

	aead cipher.AEAD

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a TCP connection to addr and performs a uTLS handshake
// fingerprinted as helloID (e.g. utls.HelloChrome_Auto) for serverName. aead
// may be nil to disable the optional outer sealing layer.
func Dial(network, addr, serverName string, helloID utls.ClientHelloID, aead cipher.AEAD) (*Conn, error) {
	raw, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	uconn := utls.UClient(raw, &utls.Config{ServerName: serverName}, helloID)
	if err := uconn.Handshake(); err != nil {
		raw.Close()
		return nil, err
	}
	c := wrap(raw, uconn)
	c.aead = aead
	return c, nil
}

func wrap(raw net.Conn, tlsConn *utls.UConn) *Conn {
	return &Conn{raw: raw, tls: tlsConn, r: bufio.NewReader(tlsConn), closed: make(chan struct{})}
}

func (c *Conn) Send(frameBytes []byte) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()

	out := frameBytes
	if c.aead != nil {
		nonce := make([]byte, c.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		sealed := c.aead.Seal(nonce, nonce, frameBytes, nil)
		hdr := make([]byte, 4, 4+len(sealed))
		binary.BigEndian.PutUint32(hdr, uint32(len(sealed)))
		out = append(hdr, sealed...)
	}

	if _, err := c.tls.Write(out); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

func (c *Conn) Recv() ([]byte, error) {
	if c.aead != nil {
		return c.recvSealed()
	}
	return c.recvPlain()
}

// recvPlain reads one frame.Encode-produced buffer: a 3-byte big-endian
// length prefix followed by that many bytes of frame body.
func (c *Conn) recvPlain() ([]byte, error) {
	var lenPrefix [3]byte
	if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
		c.markClosed()
		return nil, err
	}
	length := int(lenPrefix[0])<<16 | int(lenPrefix[1])<<8 | int(lenPrefix[2])
	buf := make([]byte, 3+length)
	copy(buf, lenPrefix[:])
	if _, err := io.ReadFull(c.r, buf[3:]); err != nil {
		c.markClosed()
		return nil, err
	}
	return buf, nil
}

// recvSealed reads one AEAD-sealed record: a 4-byte big-endian ciphertext
// length prefix, that many bytes of nonce||ciphertext||tag, and returns the
// decrypted frame.Encode-produced buffer inside.
func (c *Conn) recvSealed() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		c.markClosed()
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		c.markClosed()
		return nil, err
	}
	nonceSize := c.aead.NonceSize()
	if len(buf) < nonceSize {
		return nil, errShortSealedRecord
	}
	nonce, ciphertext := buf[:nonceSize], buf[nonceSize:]
	return c.aead.Open(ciphertext[:0], nonce, ciphertext, nil)
}

func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) Close() error {
	c.markClosed()
	return c.raw.Close()
}
