package stun

import (
	"encoding/binary"
	"net"
)

// Address attributes share the layout: one reserved byte, one family byte,
// 2-byte port, then the 4- or 16-byte address. XOR-MAPPED-ADDRESS XORs the
// port against the upper 16 bits of the magic cookie and the address against
// the cookie (IPv4) or cookie||transaction id (IPv6).

// AppendXORMappedAddress adds an XOR-MAPPED-ADDRESS attribute for addr.
func (m *Message) AppendXORMappedAddress(addr *net.UDPAddr) {
	m.Add(AttrXORMappedAddress, encodeAddress(addr, m.TransactionID, true))
}

// AppendMappedAddress adds a MAPPED-ADDRESS attribute for addr.
func (m *Message) AppendMappedAddress(addr *net.UDPAddr) {
	m.Add(AttrMappedAddress, encodeAddress(addr, m.TransactionID, false))
}

// XORMappedAddress decodes the message's XOR-MAPPED-ADDRESS attribute.
func (m *Message) XORMappedAddress() (*net.UDPAddr, error) {
	value, ok := m.Get(AttrXORMappedAddress)
	if !ok {
		return nil, decodeErrorf("missing XOR-MAPPED-ADDRESS")
	}
	return decodeAddress(value, m.TransactionID, true)
}

// MappedAddress decodes the message's MAPPED-ADDRESS attribute.
func (m *Message) MappedAddress() (*net.UDPAddr, error) {
	value, ok := m.Get(AttrMappedAddress)
	if !ok {
		return nil, decodeErrorf("missing MAPPED-ADDRESS")
	}
	return decodeAddress(value, m.TransactionID, false)
}

func xorKey(transactionID [TransactionIDSize]byte) [16]byte {
	var key [16]byte
	binary.BigEndian.PutUint32(key[0:4], MagicCookie)
	copy(key[4:], transactionID[:])
	return key
}

func encodeAddress(addr *net.UDPAddr, transactionID [TransactionIDSize]byte, xor bool) []byte {
	port := uint16(addr.Port)
	if xor {
		port ^= uint16(MagicCookie >> 16)
	}

	if ip4 := addr.IP.To4(); ip4 != nil {
		value := make([]byte, 8)
		binary.BigEndian.PutUint16(value[0:2], familyIPv4)
		binary.BigEndian.PutUint16(value[2:4], port)
		copy(value[4:8], ip4)
		if xor {
			key := xorKey(transactionID)
			for i := 0; i < 4; i++ {
				value[4+i] ^= key[i]
			}
		}
		return value
	}

	ip16 := addr.IP.To16()
	value := make([]byte, 20)
	binary.BigEndian.PutUint16(value[0:2], familyIPv6)
	binary.BigEndian.PutUint16(value[2:4], port)
	copy(value[4:20], ip16)
	if xor {
		key := xorKey(transactionID)
		for i := 0; i < 16; i++ {
			value[4+i] ^= key[i]
		}
	}
	return value
}

func decodeAddress(value []byte, transactionID [TransactionIDSize]byte, xor bool) (*net.UDPAddr, error) {
	if len(value) < 8 {
		return nil, decodeErrorf("address attribute too short: %d bytes", len(value))
	}

	family := binary.BigEndian.Uint16(value[0:2])
	port := binary.BigEndian.Uint16(value[2:4])
	if xor {
		port ^= uint16(MagicCookie >> 16)
	}

	var ip net.IP
	switch family {
	case familyIPv4:
		ip = make(net.IP, 4)
		copy(ip, value[4:8])
		if xor {
			key := xorKey(transactionID)
			for i := range ip {
				ip[i] ^= key[i]
			}
		}
	case familyIPv6:
		if len(value) < 20 {
			return nil, decodeErrorf("IPv6 address attribute too short: %d bytes", len(value))
		}
		ip = make(net.IP, 16)
		copy(ip, value[4:20])
		if xor {
			key := xorKey(transactionID)
			for i := range ip {
				ip[i] ^= key[i]
			}
		}
	default:
		return nil, decodeErrorf("unsupported address family 0x%02X", family)
	}

	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// Software returns the SOFTWARE attribute as a UTF-8 string.
func (m *Message) Software() (string, bool) {
	value, ok := m.Get(AttrSoftware)
	if !ok {
		return "", false
	}
	return string(value), true
}

// AppendSoftware adds a SOFTWARE attribute.
func (m *Message) AppendSoftware(software string) {
	m.Add(AttrSoftware, []byte(software))
}
