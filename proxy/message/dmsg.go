package message

// Dmsg is the internode envelope wrapped around frames on the
// replication plane. The engine reads only BitField and Plen during
// reception; everything else is the peer protocol's business. Its
// lifecycle is tied to the owning message.
type Dmsg struct {
	ID       uint64
	MsgType  uint8
	BitField uint8
	Version  uint8
	// Plen counts ciphertext bytes still undelivered; the envelope
	// parser discounts payload that arrived in the same read.
	Plen int
	// Clen is the full ciphertext chunk length from the envelope.
	Clen int
	// Done is set once the payload segment was swapped for its
	// decrypted clone.
	Done bool
	// HdrLen is the wire length of the envelope itself, so the
	// proxy can strip it before forwarding the inner frame.
	HdrLen int
}

// Encrypted reports whether the payload that follows the envelope is
// AES sealed.
func (d *Dmsg) Encrypted() bool {
	return d.BitField == 1
}
