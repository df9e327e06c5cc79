package packet

import "hash/crc32"

// Walk iterates the packets chained back to back in a composed radio frame.
// Each packet's TotalLength decides where the next one starts. fn returning
// false stops the walk early. A packet that does not fit the remaining bytes,
// or declares a length shorter than a header, ends the walk with ErrTruncatedUnit.
func Walk(frame []byte, fn func(pkt []byte, h Header) bool) error {
	for off := 0; off < len(frame); {
		h, err := DecodeHeader(frame[off:])
		if err != nil {
			return ErrTruncatedUnit
		}
		n := int(h.TotalLength)
		if n < HeaderSize || off+n > len(frame) {
			return ErrTruncatedUnit
		}
		if !fn(frame[off:off+n], h) {
			return nil
		}
		off += n
	}
	return nil
}

// Compose concatenates packets into a single radio frame
func Compose(pkts ...[]byte) []byte {
	var total int
	for _, p := range pkts {
		total += len(p)
	}
	frame := make([]byte, 0, total)
	for _, p := range pkts {
		frame = append(frame, p...)
	}
	return frame
}

// ComputeCRC returns the CRC32 of a packet, excluding the CRC field itself
func ComputeCRC(pkt []byte) uint32 {
	if len(pkt) <= 4 {
		return 0
	}
	return crc32.ChecksumIEEE(pkt[4:])
}

// StampCRC writes the packet CRC and sets FlagHasCRC
func StampCRC(pkt []byte) {
	if len(pkt) < HeaderSize {
		return
	}
	pkt[4] |= FlagHasCRC
	crc := ComputeCRC(pkt)
	pkt[0] = byte(crc)
	pkt[1] = byte(crc >> 8)
	pkt[2] = byte(crc >> 16)
	pkt[3] = byte(crc >> 24)
}

// CheckCRC validates a packet CRC. Packets without FlagHasCRC always pass.
func CheckCRC(pkt []byte) bool {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return false
	}
	if h.Flags&FlagHasCRC == 0 {
		return true
	}
	return h.CRC == ComputeCRC(pkt)
}
