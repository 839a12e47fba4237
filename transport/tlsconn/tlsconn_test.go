package tlsconn

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestNewOuterAEADRejectsWrongKeySize(t *testing.T) {
	_, err := NewOuterAEAD(make([]byte, 16))
	assert.Error(t, err)
}

// sealRecordFor reproduces Conn.Send's wire format for a sealed record, so
// recvSealed can be tested without a live TLS connection: Send and Recv
// never touch the network directly, only c.tls.Write / c.r.
func sealRecordFor(t *testing.T, c *Conn, frameBytes []byte) []byte {
	t.Helper()
	nonce := make([]byte, c.aead.NonceSize())
	_, err := rand.Read(nonce)
	require.NoError(t, err)
	sealed := c.aead.Seal(nonce, nonce, frameBytes, nil)
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(sealed)))
	return append(hdr, sealed...)
}

func TestRecvSealedRoundTripsSentFrame(t *testing.T) {
	aead, err := NewOuterAEAD(testKey(t))
	require.NoError(t, err)

	frameBytes := []byte("\x00\x00\x05hello")
	c := &Conn{aead: aead, closed: make(chan struct{})}
	wire := sealRecordFor(t, c, frameBytes)
	c.r = bufio.NewReader(bytes.NewReader(wire))

	got, err := c.recvSealed()
	require.NoError(t, err)
	assert.Equal(t, frameBytes, got)
}

func TestRecvSealedRejectsTruncatedRecord(t *testing.T) {
	aead, err := NewOuterAEAD(testKey(t))
	require.NoError(t, err)

	c := &Conn{aead: aead, closed: make(chan struct{})}
	wire := sealRecordFor(t, c, []byte("payload"))
	c.r = bufio.NewReader(bytes.NewReader(wire[:len(wire)-1]))

	_, err = c.recvSealed()
	assert.Error(t, err)
}

func TestRecvSealedRejectsCorruptedCiphertext(t *testing.T) {
	aead, err := NewOuterAEAD(testKey(t))
	require.NoError(t, err)

	c := &Conn{aead: aead, closed: make(chan struct{})}
	wire := sealRecordFor(t, c, []byte("payload"))
	wire[len(wire)-1] ^= 0xFF // flip a byte inside the AEAD tag
	c.r = bufio.NewReader(bytes.NewReader(wire))

	_, err = c.recvSealed()
	assert.Error(t, err)
}

func TestRecvSealedRejectsShortRecordBelowNonceSize(t *testing.T) {
	aead, err := NewOuterAEAD(testKey(t))
	require.NoError(t, err)

	c := &Conn{aead: aead, closed: make(chan struct{})}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, 3)
	wire := append(hdr, []byte{1, 2, 3}...)
	c.r = bufio.NewReader(bytes.NewReader(wire))

	_, err = c.recvSealed()
	assert.ErrorIs(t, err, errShortSealedRecord)
}

func TestRecvPlainReadsExactlyThePrefixedLength(t *testing.T) {
	c := &Conn{closed: make(chan struct{})}
	body := []byte("frame-body")
	lenPrefix := []byte{0, 0, byte(len(body))}
	wire := append(append([]byte(nil), lenPrefix...), body...)
	c.r = bufio.NewReader(bytes.NewReader(wire))

	got, err := c.recvPlain()
	require.NoError(t, err)
	assert.Equal(t, wire, got)
}

func TestRecvPlainPropagatesShortReadAsError(t *testing.T) {
	c := &Conn{closed: make(chan struct{})}
	c.r = bufio.NewReader(bytes.NewReader([]byte{0, 0, 5, 'a', 'b'}))

	_, err := c.recvPlain()
	assert.Error(t, err)
}
