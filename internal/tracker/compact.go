package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// compactPeerLength is the size of an IPv4 address followed by a port in compact form.
const compactPeerLength = net.IPv4len + 2

// ErrInvalidPeerList is returned when a compact peer list is not a multiple of 6 bytes.
var ErrInvalidPeerList = errors.New("invalid compact peer list")

// CompactPeer is an IPv4 peer address. It is comparable, so it can be a map key.
type CompactPeer struct {
	IP   [net.IPv4len]byte
	Port uint16
}

// NewCompactPeer converts addr. IPv6 addresses end up as 0.0.0.0.
func NewCompactPeer(addr *net.TCPAddr) CompactPeer {
	p := CompactPeer{Port: uint16(addr.Port)}
	copy(p.IP[:], addr.IP.To4())
	return p
}

// Addr returns the address that the peer can be dialed at.
func (p CompactPeer) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(p.IP[0], p.IP[1], p.IP[2], p.IP[3]), Port: int(p.Port)}
}

// MarshalBinary returns the 6 byte compact form.
func (p CompactPeer) MarshalBinary() ([]byte, error) {
	b := make([]byte, compactPeerLength)
	copy(b, p.IP[:])
	binary.BigEndian.PutUint16(b[net.IPv4len:], p.Port)
	return b, nil
}

// UnmarshalBinary parses the 6 byte compact form.
func (p *CompactPeer) UnmarshalBinary(data []byte) error {
	if len(data) != compactPeerLength {
		return fmt.Errorf("%w: peer is %d bytes", ErrInvalidPeerList, len(data))
	}
	copy(p.IP[:], data)
	p.Port = binary.BigEndian.Uint16(data[net.IPv4len:])
	return nil
}

// DecodePeersCompact parses the "peers" string of a compact announce response.
// Peers with port 0 cannot be connected to and are skipped.
func DecodePeersCompact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%compactPeerLength != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPeerList, len(b))
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/compactPeerLength)
	for i := 0; i < len(b); i += compactPeerLength {
		var p CompactPeer
		if err := p.UnmarshalBinary(b[i : i+compactPeerLength]); err != nil {
			return nil, err
		}
		if p.Port == 0 {
			continue
		}
		addrs = append(addrs, p.Addr())
	}
	return addrs, nil
}
