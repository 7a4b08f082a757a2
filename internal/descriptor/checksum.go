package descriptor

import (
	"fmt"
	"strings"
)

const (
	inputCharset    = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

var generator = [5]uint64{0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd}

func polymod(c uint64, val uint64) uint64 {
	top := c >> 35
	c = (c&0x7ffffffff)<<5 ^ val
	for i, g := range generator {
		if (top>>uint(i))&1 == 1 {
			c ^= g
		}
	}
	return c
}

// Checksum computes the eight character descriptor checksum of s.
func Checksum(s string) (string, error) {
	c := uint64(1)
	cls, clsCount := uint64(0), 0
	for _, ch := range s {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return "", fmt.Errorf("invalid character %q in descriptor", ch)
		}
		c = polymod(c, uint64(pos&31))
		cls = cls*3 + uint64(pos>>5)
		clsCount++
		if clsCount == 3 {
			c = polymod(c, cls)
			cls, clsCount = 0, 0
		}
	}
	if clsCount > 0 {
		c = polymod(c, cls)
	}
	for i := 0; i < 8; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	var sum [8]byte
	for i := range sum {
		sum[i] = checksumCharset[(c>>(5*(7-uint(i))))&31]
	}
	return string(sum[:]), nil
}

// splitChecksum separates and verifies an optional trailing "#checksum".
func splitChecksum(s string) (string, error) {
	idx := strings.LastIndexByte(s, '#')
	if idx < 0 {
		return s, nil
	}
	body, sum := s[:idx], s[idx+1:]
	want, err := Checksum(body)
	if err != nil {
		return "", err
	}
	if sum != want {
		return "", fmt.Errorf("invalid descriptor checksum %q", sum)
	}
	return body, nil
}
