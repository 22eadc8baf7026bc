package bench

// IndexPattern fills byte i with the low byte of i. Get sources use it so a
// received range can be spot-checked against its offset.
func IndexPattern(i int) byte {
	return byte(i)
}

// PEPattern returns a generator that fills every byte with the PE id, so a
// Put target shows which PE wrote it.
func PEPattern(pe int) func(int) byte {
	b := byte(pe)

	return func(int) byte { return b }
}

// Fill writes gen(i) into every byte of buf.
func Fill(buf []byte, gen func(int) byte) {
	for i := range buf {
		buf[i] = gen(i)
	}
}
