package record

// IDGen hands out monotonically increasing identities. It is seeded from the
// identities already present in the store being extended, so a resumed run
// never reissues an identity. Not safe for concurrent use; the controlling
// goroutine owns it.
type IDGen struct {
	next int64
}

// NewIDGen returns a generator whose first identity is start.
func NewIDGen(start int64) *IDGen {
	return &IDGen{next: start}
}

// Observe records an existing identity so later calls to Next stay above it.
func (g *IDGen) Observe(id ID) {
	if v, ok := id.Value(); ok && v >= g.next {
		g.next = v + 1
	}
}

// Next returns a fresh identity.
func (g *IDGen) Next() ID {
	id := Known(g.next)
	g.next++
	return id
}

// Peek returns the identity Next would return without consuming it.
func (g *IDGen) Peek() int64 {
	return g.next
}
