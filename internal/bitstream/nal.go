package bitstream

// EscapeRBSP appends rbsp to dst, inserting an emulation prevention byte
// wherever two zero bytes would be followed by a byte <= 3
func EscapeRBSP(dst, rbsp []byte) []byte {
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			dst = append(dst, 0x03)
			zeros = 0
		}
		dst = append(dst, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return dst
}

// AppendNAL appends a start code, the NAL header bytes and the escaped payload
func AppendNAL(dst []byte, header []byte, rbsp []byte) []byte {
	dst = append(dst, StartCode...)
	dst = append(dst, header...)
	return EscapeRBSP(dst, rbsp)
}

// AppendSEIPayload writes an SEI payload type and size using the 0xFF
// continuation coding, followed by the payload bytes
func AppendSEIPayload(dst []byte, payloadType int, payload []byte) []byte {
	for t := payloadType; ; t -= 255 {
		if t < 255 {
			dst = append(dst, byte(t))
			break
		}
		dst = append(dst, 0xff)
	}
	for s := len(payload); ; s -= 255 {
		if s < 255 {
			dst = append(dst, byte(s))
			break
		}
		dst = append(dst, 0xff)
	}
	return append(dst, payload...)
}
