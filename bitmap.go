package frag

// bitmap has one bit per fragment index
type bitmap []uint8

func newBitmap(n uint32) bitmap {
	return make(bitmap, (n+7)/8)
}

func (b bitmap) isSet(i uint32) bool {
	return b[i/8]&(1<<(i%8)) != 0
}

func (b bitmap) set(i uint32) {
	b[i/8] |= 1 << (i % 8)
}

// complete reports whether bits 0..n-1 are all set
func (b bitmap) complete(n uint32) bool {
	full := n / 8
	for i := uint32(0); i < full; i++ {
		if b[i] != 0xFF {
			return false
		}
	}
	if rest := n % 8; rest != 0 {
		mask := uint8(1<<rest) - 1
		return b[full]&mask == mask
	}
	return true
}
