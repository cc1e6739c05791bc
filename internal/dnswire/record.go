package dnswire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Record is a DNS resource record. Data holds type-specific content:
// A/AAAA carry a raw []byte address, CNAME/NS/PTR carry a string.
type Record struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	Data  any
}

// ParseRecord parses one resource record at *off, advancing past it.
func ParseRecord(msg []byte, off *int) (Record, error) {
	name, err := DecodeName(msg, off)
	if err != nil {
		return Record{}, err
	}
	if *off+10 > len(msg) {
		return Record{}, fmt.Errorf("%w: truncated record", ErrWire)
	}
	rrType := binary.BigEndian.Uint16(msg[*off : *off+2])
	rrClass := binary.BigEndian.Uint16(msg[*off+2 : *off+4])
	ttl := binary.BigEndian.Uint32(msg[*off+4 : *off+8])
	rdlen := int(binary.BigEndian.Uint16(msg[*off+8 : *off+10]))
	*off += 10
	start := *off
	if start+rdlen > len(msg) {
		return Record{}, fmt.Errorf("%w: truncated rdata", ErrWire)
	}

	var data any
	switch RecordType(rrType) {
	case TypeA, TypeAAAA:
		b := make([]byte, rdlen)
		copy(b, msg[*off:*off+rdlen])
		*off += rdlen
		data = b
	case TypeCNAME, TypeNS, TypePTR:
		n, err := DecodeName(msg, off)
		if err != nil {
			return Record{}, err
		}
		if *off-start != rdlen {
			return Record{}, fmt.Errorf("%w: rdata length mismatch", ErrWire)
		}
		data = n
	default:
		b := make([]byte, rdlen)
		copy(b, msg[*off:*off+rdlen])
		*off += rdlen
		data = b
	}
	return Record{Name: name, Type: rrType, Class: rrClass, TTL: ttl, Data: data}, nil
}

// Marshal serializes the record to wire format.
func (rr Record) Marshal() ([]byte, error) {
	nameWire, err := EncodeName(rr.Name)
	if err != nil {
		return nil, err
	}
	rdata, err := rr.marshalRData()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nameWire)+10+len(rdata))
	out = append(out, nameWire...)
	fixed := make([]byte, 10)
	binary.BigEndian.PutUint16(fixed[0:2], rr.Type)
	binary.BigEndian.PutUint16(fixed[2:4], rr.Class)
	binary.BigEndian.PutUint32(fixed[4:8], rr.TTL)
	binary.BigEndian.PutUint16(fixed[8:10], uint16(len(rdata)))
	out = append(out, fixed...)
	return append(out, rdata...), nil
}

func (rr Record) marshalRData() ([]byte, error) {
	switch RecordType(rr.Type) {
	case TypeA:
		b, ok := rr.Data.([]byte)
		if !ok || len(b) != 4 {
			return nil, fmt.Errorf("%w: A record must be 4 bytes", ErrWire)
		}
		return b, nil
	case TypeAAAA:
		b, ok := rr.Data.([]byte)
		if !ok || len(b) != 16 {
			return nil, fmt.Errorf("%w: AAAA record must be 16 bytes", ErrWire)
		}
		return b, nil
	case TypeCNAME, TypeNS, TypePTR:
		s, ok := rr.Data.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("%w: name record must hold a string", ErrWire)
		}
		return EncodeName(s)
	default:
		if b, ok := rr.Data.([]byte); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%w: unsupported record type %d", ErrWire, rr.Type)
	}
}

// IPv4 returns the dotted-quad address if rr is an A record.
func (rr Record) IPv4() (net.IP, bool) {
	if RecordType(rr.Type) != TypeA {
		return nil, false
	}
	b, ok := rr.Data.([]byte)
	if !ok || len(b) != 4 {
		return nil, false
	}
	return net.IPv4(b[0], b[1], b[2], b[3]), true
}

// IPv6 returns the address if rr is an AAAA record.
func (rr Record) IPv6() (net.IP, bool) {
	if RecordType(rr.Type) != TypeAAAA {
		return nil, false
	}
	b, ok := rr.Data.([]byte)
	if !ok || len(b) != 16 {
		return nil, false
	}
	return net.IP(b), true
}

// NewARecord builds an A record for addr with the given name and TTL.
func NewARecord(name string, addr net.IP, ttl uint32) (Record, error) {
	ip4 := addr.To4()
	if ip4 == nil {
		return Record{}, fmt.Errorf("%w: not an IPv4 address: %s", ErrWire, addr)
	}
	return Record{Name: name, Type: uint16(TypeA), Class: uint16(ClassIN), TTL: ttl, Data: []byte(ip4)}, nil
}
