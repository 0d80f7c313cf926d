package sortition

import (
	"bytes"
	"encoding/binary"

	"github.com/zeebo/blake3"

	"E3Kernel/internal/protocol"
)

// Score computes the lottery score of one ticket.
// Score = BLAKE3(operator || ticketNumber || e3 || seed), numbers big-endian.
// Lower scores win.
func Score(operator protocol.Address, ticket, e3 uint64, seed protocol.Hash) protocol.Hash {
	var buf [protocol.AddressSize + 16 + 32]byte
	copy(buf[:protocol.AddressSize], operator[:])
	binary.BigEndian.PutUint64(buf[protocol.AddressSize:], ticket)
	binary.BigEndian.PutUint64(buf[protocol.AddressSize+8:], e3)
	copy(buf[protocol.AddressSize+16:], seed[:])

	return blake3.Sum256(buf[:])
}

// Less reports whether score a beats score b, as 256-bit big-endian integers.
func Less(a, b protocol.Hash) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
