// Package wire implements the length-prefixed primitives of the SSH agent
// wire format: framed byte strings and multi-precision integers.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"unicode/utf8"
)

// MaxStringLen bounds the length field accepted by ReadString, guarding
// against a malicious or corrupt peer claiming a multi-gigabyte payload.
const MaxStringLen = 256 << 20

// ReadString reads a u32 big-endian length L followed by exactly L bytes.
func ReadString(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxStringLen {
		return nil, fmt.Errorf("string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return buf, nil
}

// ReadStringUTF8 reads a length-prefixed string and validates it as UTF-8.
func ReadStringUTF8(r io.Reader) (string, error) {
	b, err := ReadString(r)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("invalid utf-8")
	}
	return string(b), nil
}

// ReadMpint reads a length-prefixed two's-complement big-endian integer.
// A leading byte with its MSB set denotes a negative value; this agent
// never expects to see one, but the bit is honored rather than silently
// mishandled.
func ReadMpint(r io.Reader) (*big.Int, error) {
	b, err := ReadString(r)
	if err != nil {
		return nil, fmt.Errorf("read mpint: %w", err)
	}
	n := new(big.Int)
	if len(b) == 0 {
		return n, nil
	}
	if b[0]&0x80 != 0 {
		// Negative: two's complement magnitude.
		tmp := make([]byte, len(b))
		copy(tmp, b)
		for i := range tmp {
			tmp[i] = ^tmp[i]
		}
		n.SetBytes(tmp)
		n.Add(n, big.NewInt(1))
		n.Neg(n)
		return n, nil
	}
	n.SetBytes(b)
	return n, nil
}

// WriteString writes a u32 big-endian length prefix followed by data.
func WriteString(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteStringText is a convenience wrapper for string payloads.
func WriteStringText(w io.Writer, s string) error {
	return WriteString(w, []byte(s))
}

// WriteMpint emits the magnitude of n in big-endian, prepending a 0x00
// byte when the high bit of the leading byte would otherwise be mistaken
// for a sign bit.
func WriteMpint(w io.Writer, n *big.Int) error {
	if n.Sign() < 0 {
		return fmt.Errorf("write mpint: negative integers are not supported")
	}
	b := n.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return WriteString(w, b)
}

// WriteU8 writes a single byte.
func WriteU8(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// WriteU32 writes a u32 big-endian value.
func WriteU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadU8 reads a single byte.
func ReadU8(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU32 reads a u32 big-endian value.
func ReadU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadFrame reads one length-prefixed protocol frame: a u32 length followed
// by that many bytes of frame body.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadString(r)
}

// WriteFrame writes one length-prefixed protocol frame.
func WriteFrame(w io.Writer, body []byte) error {
	return WriteString(w, body)
}
