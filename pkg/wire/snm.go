package wire

// SNM messages are exchanged only between supernodes (spec.md §4.6). They
// share a small header distinct from the edge-facing common header: a type
// byte, a flags byte, and a 32-bit sequence number.
type SNMType uint8

const (
	SNMReqList SNMType = 0
	SNMRspList SNMType = 1
	SNMAdv     SNMType = 2
)

func (t SNMType) String() string {
	switch t {
	case SNMReqList:
		return "REQ_LIST"
	case SNMRspList:
		return "RSP_LIST"
	case SNMAdv:
		return "ADV"
	default:
		return "unknown"
	}
}

// SNMFlag bits (spec.md §4.6).
type SNMFlag uint8

const (
	SNMFlagSupernodes SNMFlag = 1 << 0 // S: request/carries supernode list
	SNMFlagCommunities SNMFlag = 1 << 1 // C: request/carries community list
	SNMFlagNameFilter  SNMFlag = 1 << 2 // N: request filtered by community-name list
	SNMFlagAdvertise   SNMFlag = 1 << 3 // A: advertise requested / reciprocate
	SNMFlagEdgeOrigin  SNMFlag = 1 << 4 // E: edge-originated (new-community request)
)

func (f SNMFlag) Has(bit SNMFlag) bool { return f&bit != 0 }

// SNMHeader is the 48-bit (6 byte) header shared by REQ/INFO/ADV.
type SNMHeader struct {
	Type     SNMType
	Flags    SNMFlag
	Sequence uint32
}

const SNMHeaderSize = 1 + 1 + 4

func DecodeSNMHeader(buf []byte) (SNMHeader, []byte, error) {
	c := newCursor(buf)
	var h SNMHeader
	t, err := c.u8()
	if err != nil {
		return h, nil, err
	}
	f, err := c.u8()
	if err != nil {
		return h, nil, err
	}
	seq, err := c.u32()
	if err != nil {
		return h, nil, err
	}
	h.Type = SNMType(t)
	h.Flags = SNMFlag(f)
	h.Sequence = seq
	return h, buf[c.idx:], nil
}

func (h SNMHeader) MarshalBinary() []byte {
	w := &writer{}
	w.u8(uint8(h.Type))
	w.u8(uint8(h.Flags))
	w.u32(h.Sequence)
	return w.buf
}

// SNMReq is the body of a REQ_LIST message: an optional filter list of
// community names (present when Flags has SNMFlagNameFilter).
type SNMReq struct {
	Communities []Community
}

func DecodeSNMReq(body []byte, flags SNMFlag) (SNMReq, error) {
	var r SNMReq
	if !flags.Has(SNMFlagNameFilter) {
		return r, nil
	}
	c := newCursor(body)
	count, err := c.u8()
	if err != nil {
		return r, err
	}
	r.Communities = make([]Community, 0, count)
	for i := 0; i < int(count); i++ {
		comm, err := c.community()
		if err != nil {
			return r, err
		}
		r.Communities = append(r.Communities, comm)
	}
	return r, nil
}

func (r SNMReq) MarshalBinary() []byte {
	w := &writer{}
	w.u8(uint8(len(r.Communities)))
	for _, c := range r.Communities {
		w.community(c)
	}
	return w.buf
}

// CommunityEntry describes one community and the supernodes serving it, as
// carried in SNM INFO and ADV bodies (spec.md §3, §4.6).
type CommunityEntry struct {
	Name       Community
	Supernodes []Sock
}

func decodeCommunityList(c *cursor) ([]CommunityEntry, error) {
	count, err := c.u16()
	if err != nil {
		return nil, err
	}
	entries := make([]CommunityEntry, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := c.community()
		if err != nil {
			return nil, err
		}
		numSN, err := c.u8()
		if err != nil {
			return nil, err
		}
		sns := make([]Sock, 0, numSN)
		for j := 0; j < int(numSN); j++ {
			s, err := c.sock()
			if err != nil {
				return nil, err
			}
			sns = append(sns, s)
		}
		entries = append(entries, CommunityEntry{Name: name, Supernodes: sns})
	}
	return entries, nil
}

func encodeCommunityList(w *writer, entries []CommunityEntry) error {
	w.u16(uint16(len(entries)))
	for _, e := range entries {
		w.community(e.Name)
		sns := e.Supernodes
		if len(sns) > MaxBackupSupernodes {
			sns = sns[:MaxBackupSupernodes]
		}
		w.u8(uint8(len(sns)))
		for _, s := range sns {
			if err := w.sock(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// SNMInfo is the body of an RSP_LIST (INFO) message: a supernode list plus
// a community list, selected per the requester's S/C/N flags (spec.md §4.6).
type SNMInfo struct {
	Supernodes []Sock
	Communities []CommunityEntry
}

func DecodeSNMInfo(body []byte) (SNMInfo, error) {
	c := newCursor(body)
	var info SNMInfo
	numSN, err := c.u16()
	if err != nil {
		return info, err
	}
	info.Supernodes = make([]Sock, 0, numSN)
	for i := 0; i < int(numSN); i++ {
		s, err := c.sock()
		if err != nil {
			return info, err
		}
		info.Supernodes = append(info.Supernodes, s)
	}
	info.Communities, err = decodeCommunityList(c)
	return info, err
}

func (info SNMInfo) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.u16(uint16(len(info.Supernodes)))
	for _, s := range info.Supernodes {
		if err := w.sock(s); err != nil {
			return nil, err
		}
	}
	if err := encodeCommunityList(w, info.Communities); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// SNMAdvMsg is the body of an ADV message: the sender's own socket plus the
// community list it is advertising (spec.md §4.6).
type SNMAdvMsg struct {
	Sender      Sock
	Communities []CommunityEntry
}

func DecodeSNMAdv(body []byte) (SNMAdvMsg, error) {
	c := newCursor(body)
	var adv SNMAdvMsg
	sender, err := c.sock()
	if err != nil {
		return adv, err
	}
	adv.Sender = sender
	adv.Communities, err = decodeCommunityList(c)
	return adv, err
}

func (adv SNMAdvMsg) MarshalBinary() ([]byte, error) {
	w := &writer{}
	if err := w.sock(adv.Sender); err != nil {
		return nil, err
	}
	if err := encodeCommunityList(w, adv.Communities); err != nil {
		return nil, err
	}
	return w.buf, nil
}
