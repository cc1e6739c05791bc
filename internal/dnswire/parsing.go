package dnswire

import (
	"errors"
	"fmt"
)

// Bounds for incoming messages, to resist resource-exhaustion attacks from a
// hostile or buggy upstream.
const (
	MaxIncomingMessageSize = 4096
	MaxQuestions           = 4
	MaxRRPerSection        = 64
)

// BuildQuery builds a single-question A query with the given transaction id
// and recursion desired.
func BuildQuery(id uint16, name string) (Packet, error) {
	return Packet{
		Header:    Header{ID: id, Flags: RDFlag, QDCount: 1},
		Questions: []Question{{Name: name, Type: uint16(TypeA), Class: uint16(ClassIN)}},
	}, nil
}

// ParseResponse parses and minimally validates an upstream DNS response:
// it must be a response (QR set) with exactly one question.
func ParseResponse(msg []byte) (Packet, error) {
	if len(msg) > MaxIncomingMessageSize {
		return Packet{}, errors.New("dns response too large")
	}
	p, err := ParsePacket(msg)
	if err != nil {
		return Packet{}, err
	}
	if p.Header.Flags&QRFlag == 0 {
		return Packet{}, errors.New("not a response packet")
	}
	if len(p.Questions) != 1 {
		return Packet{}, fmt.Errorf("unexpected question count: %d", len(p.Questions))
	}
	return p, nil
}

// BuildErrorResponse builds a response carrying rcode and no answers,
// preserving the transaction id, question, and RD flag of req.
func BuildErrorResponse(req Packet, rcode RCode) Packet {
	flags := QRFlag | (req.Header.Flags & RDFlag) | (uint16(rcode) & RCodeMask)
	return Packet{
		Header: Header{
			ID:      req.Header.ID,
			Flags:   flags,
			QDCount: uint16(len(req.Questions)),
		},
		Questions: req.Questions,
	}
}
