// Package wire implements the positional tagged binary message
// encoding of the control fabric (see spec §6). Every message is a
// fixed-order sequence of little-endian fields with no names and no
// padding; canonical(...) used for PoA signing is exactly this same
// concatenation with the tag and framing stripped.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxDatagramSize is the largest encoded message this package will
// produce or accept, matching the mesh-safe 802.11s MTU budget.
const MaxDatagramSize = 1200

// cursor reads sequentially from a byte slice, tracking position and
// refusing reads past the end.
type cursor struct {
	b   []byte
	pos int
}

func newCursor(b []byte) *cursor {
	return &cursor{b: b, pos: 0}
}

func (c *cursor) remaining() int {
	if c.pos >= len(c.b) {
		return 0
	}
	return len(c.b) - c.pos
}

func (c *cursor) readExact(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("wire: truncated (need %d, have %d)", n, c.remaining())
	}
	start := c.pos
	c.pos += n
	return c.b[start:c.pos], nil
}

func (c *cursor) readU8() (byte, error) {
	b, err := c.readExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) readU32LE() (uint32, error) {
	b, err := c.readExact(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) readU64LE() (uint64, error) {
	b, err := c.readExact(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) readBytes(n int) ([]byte, error) {
	b, err := c.readExact(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (c *cursor) finished() bool { return c.remaining() == 0 }

// appendU8 appends a single byte to dst.
func appendU8(dst []byte, v byte) []byte { return append(dst, v) }

// appendU32LE appends v as a 4-byte little-endian value to dst.
func appendU32LE(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// appendU64LE appends v as an 8-byte little-endian value to dst.
func appendU64LE(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}
