package message

// Protocol is the family-specific behavior bound to a message at
// acquisition: the incremental parser plus the fragmentation and
// coalescing hooks.
//
// Parse advances m.Pos over the chain and sets m.Result; on ParseOK
// it fills the decoded fields (Type, key span, Vlen). PreSplitCopy
// writes the command preamble of a fragment into the fresh head
// segment of the split chain. PostSplitCopy patches the original
// message after the split (argument counts, terminators). PreCoalesce
// and PostCoalesce rewrite fragment responses into one
// protocol-correct reply.
type Protocol interface {
	Parse(m *Message)
	PreSplitCopy(m *Message, b *Mbuf) error
	PostSplitCopy(m *Message) error
	PreCoalesce(m *Message)
	PostCoalesce(m *Message)
}

const nfamily = 4

var protocols [nfamily][2]Protocol

// Register installs the protocol for one family and plane. Family
// packages call it from init, client-plane and replication-plane
// variants separately.
func Register(f Family, dyn bool, p Protocol) {
	plane := 0
	if dyn {
		plane = 1
	}
	protocols[f][plane] = p
}

// Lookup returns the protocol for one family and plane, or nil.
func Lookup(f Family, dyn bool) Protocol {
	if int(f) >= nfamily {
		return nil
	}
	plane := 0
	if dyn {
		plane = 1
	}
	return protocols[f][plane]
}
