package registry

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// stunExternalAddress issues a single RFC 5389 binding request against a
// well-known public STUN server and decodes the XOR-MAPPED-ADDRESS
// attribute from the response. This is a minimal hand-rolled
// implementation covering only the binding request this module needs,
// not full RFC 5389 conformance (no long-term credentials, no fallback
// server list, no TCP/TLS transport).
func stunExternalAddress(timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout("udp4", "stun.l.google.com:19302", timeout)
	if err != nil {
		return "", fmt.Errorf("stun: dial: %w", err)
	}
	defer conn.Close()

	req, transactionID := buildBindingRequest()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("stun: set deadline: %w", err)
	}
	if _, err := conn.Write(req); err != nil {
		return "", fmt.Errorf("stun: send binding request: %w", err)
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("stun: read response: %w", err)
	}

	return parseBindingResponse(buf[:n], transactionID)
}

const (
	stunMagicCookie      = 0x2112A442
	stunBindingRequest   = 0x0001
	stunBindingSuccess   = 0x0101
	stunXorMappedAddress = 0x0020
	stunMappedAddress    = 0x0001
)

func buildBindingRequest() ([]byte, [12]byte) {
	var transactionID [12]byte
	// A fixed, non-random transaction ID is acceptable here: each probe
	// opens a fresh UDP socket and there is exactly one in-flight
	// request per socket, so collision across concurrent probes cannot
	// occur.
	copy(transactionID[:], "streamdeck!!")

	msg := make([]byte, 20)
	binary.BigEndian.PutUint16(msg[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], 0) // length, no attributes
	binary.BigEndian.PutUint32(msg[4:8], stunMagicCookie)
	copy(msg[8:20], transactionID[:])
	return msg, transactionID
}

func parseBindingResponse(data []byte, wantTransactionID [12]byte) (string, error) {
	if len(data) < 20 {
		return "", fmt.Errorf("stun: response too short")
	}
	msgType := binary.BigEndian.Uint16(data[0:2])
	if msgType != stunBindingSuccess {
		return "", fmt.Errorf("stun: unexpected message type 0x%04x", msgType)
	}
	if !bytesEqual(data[8:20], wantTransactionID[:]) {
		return "", fmt.Errorf("stun: transaction id mismatch")
	}

	length := binary.BigEndian.Uint16(data[2:4])
	body := data[20:]
	if int(length) > len(body) {
		length = uint16(len(body))
	}
	body = body[:length]

	for len(body) >= 4 {
		attrType := binary.BigEndian.Uint16(body[0:2])
		attrLen := binary.BigEndian.Uint16(body[2:4])
		if int(attrLen)+4 > len(body) {
			break
		}
		value := body[4 : 4+attrLen]

		switch attrType {
		case stunXorMappedAddress:
			if addr, err := decodeXorMappedAddress(value); err == nil {
				return addr, nil
			}
		case stunMappedAddress:
			if addr, err := decodeMappedAddress(value); err == nil {
				return addr, nil
			}
		}

		// Attributes are padded to a 4-byte boundary.
		advance := 4 + int(attrLen)
		if pad := advance % 4; pad != 0 {
			advance += 4 - pad
		}
		if advance > len(body) {
			break
		}
		body = body[advance:]
	}

	return "", fmt.Errorf("stun: no mapped address attribute in response")
}

func decodeXorMappedAddress(value []byte) (string, error) {
	if len(value) < 8 || value[1] != 0x01 {
		return "", fmt.Errorf("stun: unsupported xor-mapped-address family")
	}
	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(stunMagicCookie>>16)
	var ip [4]byte
	magic := make([]byte, 4)
	binary.BigEndian.PutUint32(magic, stunMagicCookie)
	for i := 0; i < 4; i++ {
		ip[i] = value[4+i] ^ magic[i]
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d", ip[0], ip[1], ip[2], ip[3], port), nil
}

func decodeMappedAddress(value []byte) (string, error) {
	if len(value) < 8 || value[1] != 0x01 {
		return "", fmt.Errorf("stun: unsupported mapped-address family")
	}
	port := binary.BigEndian.Uint16(value[2:4])
	return fmt.Sprintf("%d.%d.%d.%d:%d", value[4], value[5], value[6], value[7], port), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// probePortBlocking checks whether the GameStream HTTP and HTTPS ports
// are reachable at all (a bare TCP dial succeeds even before any
// GameStream handshake), used to distinguish "host offline" from "a
// firewall/router is blocking the GameStream ports" when a manual add
// fails.
func probePortBlocking(address string) []int {
	var blocked []int
	for _, port := range []int{47989, 47984} {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, fmt.Sprintf("%d", port)), 2*time.Second)
		if err != nil {
			blocked = append(blocked, port)
			continue
		}
		conn.Close()
	}
	return blocked
}
