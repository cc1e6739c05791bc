package dnswire

// Packet is a complete DNS message (RFC 1035 Section 4).
type Packet struct {
	Header      Header
	Questions   []Question
	Answers     []Record
	Authorities []Record
	Additionals []Record
}

// Marshal serializes the packet to wire format.
func (p Packet) Marshal() ([]byte, error) {
	h := Header{
		ID:      p.Header.ID,
		Flags:   p.Header.Flags,
		QDCount: uint16(len(p.Questions)),
		ANCount: uint16(len(p.Answers)),
		NSCount: uint16(len(p.Authorities)),
		ARCount: uint16(len(p.Additionals)),
	}
	out := make([]byte, 0, HeaderSize+64)
	out = append(out, h.Marshal()...)
	for _, q := range p.Questions {
		qb, err := q.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, qb...)
	}
	for _, section := range [][]Record{p.Answers, p.Authorities, p.Additionals} {
		for _, rr := range section {
			b, err := rr.Marshal()
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
	}
	return out, nil
}

// ParsePacket parses a complete DNS message, bounding section sizes against
// MaxRRPerSection/MaxQuestions to avoid over-allocating from a forged header.
func ParsePacket(msg []byte) (Packet, error) {
	off := 0
	h, err := ParseHeader(msg, &off)
	if err != nil {
		return Packet{}, err
	}
	p := Packet{Header: h}

	limit := func(count uint16, cap int) int {
		if int(count) > cap {
			return cap
		}
		return int(count)
	}

	p.Questions = make([]Question, 0, limit(h.QDCount, MaxQuestions))
	for i := uint16(0); i < h.QDCount; i++ {
		q, err := ParseQuestion(msg, &off)
		if err != nil {
			return Packet{}, err
		}
		p.Questions = append(p.Questions, q)
	}
	for _, dst := range []struct {
		count uint16
		recs  *[]Record
	}{
		{h.ANCount, &p.Answers},
		{h.NSCount, &p.Authorities},
		{h.ARCount, &p.Additionals},
	} {
		*dst.recs = make([]Record, 0, limit(dst.count, MaxRRPerSection))
		for i := uint16(0); i < dst.count; i++ {
			rr, err := ParseRecord(msg, &off)
			if err != nil {
				return Packet{}, err
			}
			*dst.recs = append(*dst.recs, rr)
		}
	}
	return p, nil
}
