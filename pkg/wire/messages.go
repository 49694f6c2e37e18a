package wire

// Packet is the PACKET message body: a tunneled Ethernet frame, optionally
// carrying the originating socket (spec.md §4.1).
type Packet struct {
	SrcMAC  MAC
	DstMAC  MAC
	HasSock bool
	Sock    Sock
	Payload []byte
}

func DecodePacket(body []byte, flags Flag) (Packet, error) {
	c := newCursor(body)
	var p Packet
	var err error
	if p.SrcMAC, err = c.mac(); err != nil {
		return p, err
	}
	if p.DstMAC, err = c.mac(); err != nil {
		return p, err
	}
	if flags.Has(FlagSocket) {
		if p.Sock, err = c.sock(); err != nil {
			return p, err
		}
		p.HasSock = true
	}
	p.Payload = c.rest()
	return p, nil
}

func (p Packet) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.mac(p.SrcMAC)
	w.mac(p.DstMAC)
	if p.HasSock {
		if err := w.sock(p.Sock); err != nil {
			return nil, err
		}
	}
	w.bytes(p.Payload)
	return w.buf, nil
}

// Register is the REGISTER message body (spec.md §4.1).
type Register struct {
	Cookie  Cookie
	SrcMAC  MAC
	DstMAC  MAC
	HasSock bool
	Sock    Sock
}

func DecodeRegister(body []byte, flags Flag) (Register, error) {
	c := newCursor(body)
	var r Register
	cookie, err := c.u32()
	if err != nil {
		return r, err
	}
	r.Cookie = Cookie(cookie)
	if r.SrcMAC, err = c.mac(); err != nil {
		return r, err
	}
	if r.DstMAC, err = c.mac(); err != nil {
		return r, err
	}
	if flags.Has(FlagSocket) {
		if r.Sock, err = c.sock(); err != nil {
			return r, err
		}
		r.HasSock = true
	}
	return r, nil
}

func (r Register) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.u32(uint32(r.Cookie))
	w.mac(r.SrcMAC)
	w.mac(r.DstMAC)
	if r.HasSock {
		if err := w.sock(r.Sock); err != nil {
			return nil, err
		}
	}
	return w.buf, nil
}

// RegisterSuper is the REGISTER_SUPER message body (spec.md §4.1). AuthToken
// is carried but never validated by the core (spec.md §9).
type RegisterSuper struct {
	Cookie    Cookie
	EdgeMAC   MAC
	AuthToken [AuthTokenSize]byte
}

func DecodeRegisterSuper(body []byte) (RegisterSuper, error) {
	c := newCursor(body)
	var r RegisterSuper
	cookie, err := c.u32()
	if err != nil {
		return r, err
	}
	r.Cookie = Cookie(cookie)
	if r.EdgeMAC, err = c.mac(); err != nil {
		return r, err
	}
	tok, err := c.take(AuthTokenSize)
	if err != nil {
		return r, err
	}
	copy(r.AuthToken[:], tok)
	return r, nil
}

func (r RegisterSuper) MarshalBinary() []byte {
	w := &writer{}
	w.u32(uint32(r.Cookie))
	w.mac(r.EdgeMAC)
	w.bytes(r.AuthToken[:])
	return w.buf
}

// RegisterSuperAck is the REGISTER_SUPER_ACK message body (spec.md §4.1,
// §4.6). BackupSupernodes is capped at MaxBackupSupernodes and truncated
// silently on encode (spec.md §9).
type RegisterSuperAck struct {
	Cookie           Cookie
	EdgeMAC          MAC
	Lifetime         uint16
	Sock             Sock
	BackupSupernodes []Sock
}

func DecodeRegisterSuperAck(body []byte) (RegisterSuperAck, error) {
	c := newCursor(body)
	var r RegisterSuperAck
	cookie, err := c.u32()
	if err != nil {
		return r, err
	}
	r.Cookie = Cookie(cookie)
	if r.EdgeMAC, err = c.mac(); err != nil {
		return r, err
	}
	if r.Lifetime, err = c.u16(); err != nil {
		return r, err
	}
	if r.Sock, err = c.sock(); err != nil {
		return r, err
	}
	numSN, err := c.u8()
	if err != nil {
		return r, err
	}
	r.BackupSupernodes = make([]Sock, 0, numSN)
	for i := 0; i < int(numSN); i++ {
		s, err := c.sock()
		if err != nil {
			return r, err
		}
		r.BackupSupernodes = append(r.BackupSupernodes, s)
	}
	return r, nil
}

func (r RegisterSuperAck) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.u32(uint32(r.Cookie))
	w.mac(r.EdgeMAC)
	w.u16(r.Lifetime)
	if err := w.sock(r.Sock); err != nil {
		return nil, err
	}
	backups := r.BackupSupernodes
	if len(backups) > MaxBackupSupernodes {
		backups = backups[:MaxBackupSupernodes]
	}
	w.u8(uint8(len(backups)))
	for _, s := range backups {
		if err := w.sock(s); err != nil {
			return nil, err
		}
	}
	return w.buf, nil
}
