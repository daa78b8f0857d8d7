package main

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sshrelay/sshmitm/internal/wire"
)

// ourVersionBanner is the identification string this proxy presents to
// both the connecting client and the upstream server.
const ourVersionBanner = "SSH-2.0-sshproxy_1.0"

const bannerReadTimeout = 10 * time.Second

// exchangeVersionBanners writes ourVersionBanner and reads the peer's
// banner line, per RFC 4253 section 4.2. It returns the peer's raw banner
// with the trailing CRLF stripped, the form the exchange hash uses.
func exchangeVersionBanners(conn net.Conn, br *bufio.Reader) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(bannerReadTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(ourVersionBanner + "\r\n")); err != nil {
		return nil, fmt.Errorf("write version banner: %w", err)
	}
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read version banner: %w", err)
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return []byte(line), nil
}

// buildKexInit assembles a minimal, unopinionated SSH_MSG_KEXINIT payload:
// algorithm negotiation itself is out of scope here (spec non-goal), so
// every name-list is empty and only the fields the exchange hash actually
// covers matter.
func buildKexInit() []byte {
	var cookie [16]byte
	rand.Read(cookie[:])

	w := wire.NewWriter()
	w.Byte(20) // SSH_MSG_KEXINIT
	payload := append(w.Bytes(), cookie[:]...)
	w = wire.NewWriter()
	for i := 0; i < 10; i++ {
		w.CString("")
	}
	w.Byte(0) // first_kex_packet_follows
	w.Uint32(0)
	return append(payload, w.Bytes()...)
}

// writePlainPacket frames payload (type byte + body) using the identity
// cipher's packet layout (RFC 4253 section 6, no MAC/encryption), the only
// framing in effect before KEX_ECDH_REPLY/NEWKEYS complete.
func writePlainPacket(conn net.Conn, payload []byte) error {
	const blockSize = 8
	padLen := blockSize - (5+len(payload))%blockSize
	if padLen < 4 {
		padLen += blockSize
	}
	packet := make([]byte, 1+len(payload)+padLen)
	packet[0] = byte(padLen)
	copy(packet[1:], payload)
	rand.Read(packet[1+len(payload):])

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(packet)))

	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(packet)
	return err
}

// readPlainPacket reads one identity-cipher-framed packet and returns its
// payload (type byte + body, padding stripped).
func readPlainPacket(br *bufio.Reader, conn net.Conn) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(bannerReadTimeout))
	defer conn.SetDeadline(time.Time{})

	header := make([]byte, 4)
	if _, err := fillBuf(br, header); err != nil {
		return nil, fmt.Errorf("read packet_length: %w", err)
	}
	packetLen := binary.BigEndian.Uint32(header)
	if packetLen == 0 || packetLen > 256*1024 {
		return nil, fmt.Errorf("invalid packet_length %d", packetLen)
	}
	body := make([]byte, packetLen)
	if _, err := fillBuf(br, body); err != nil {
		return nil, fmt.Errorf("read packet body: %w", err)
	}
	if len(body) < 1 {
		return nil, fmt.Errorf("empty packet body")
	}
	paddingLen := int(body[0])
	if paddingLen+1 > len(body) {
		return nil, fmt.Errorf("padding_length exceeds packet")
	}
	return body[1 : len(body)-paddingLen], nil
}

func fillBuf(br *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := br.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
