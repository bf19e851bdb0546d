package lights

import (
	"encoding/binary"
	"fmt"
	"io"
)

// initialKey seeds the XOR autokey cipher used by Kasa devices.
const initialKey = 171

// maxFrame bounds reply frames so a misbehaving device cannot make us
// allocate unbounded memory.
const maxFrame = 1 << 20

// Scramble applies the Kasa XOR autokey cipher: each plaintext byte is
// XORed with the previous ciphertext byte (the first with initialKey).
func Scramble(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := byte(initialKey)
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

// Unscramble reverses Scramble.
func Unscramble(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := byte(initialKey)
	for i, b := range cipher {
		out[i] = key ^ b
		key = b
	}
	return out
}

// EncodeFrame scrambles a payload and prepends the 4-byte big-endian length.
func EncodeFrame(payload []byte) []byte {
	scrambled := Scramble(payload)
	frame := make([]byte, 4+len(scrambled))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(scrambled)))
	copy(frame[4:], scrambled)
	return frame
}

// ReadFrame reads one length-prefixed frame from r and unscrambles it.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxFrame {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Unscramble(body), nil
}
