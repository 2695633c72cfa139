package symbols

// Table deduplicates addresses into a first-seen ordered symbol list.
//
// Each distinct address is resolved exactly once, when it is first interned,
// and keeps its index for the lifetime of the table. The serializer builds one
// Table per trace write and discards it afterwards.
//
// Thread Safety: NOT safe for concurrent use.
type Table struct {
	resolver Resolver
	index    map[uint64]uint32
	names    []string
	addrs    []uint64
}

// NewTable creates an empty table that resolves through r (nil means hex only).
func NewTable(r Resolver) *Table {
	return &Table{
		resolver: r,
		index:    make(map[uint64]uint32),
	}
}

// Intern returns the index of addr, resolving and appending it on first sight.
func (t *Table) Intern(addr uint64) uint32 {
	if idx, ok := t.index[addr]; ok {
		return idx
	}

	//nolint:gosec // G115: a trace cannot hold more than 2^32 distinct functions.
	idx := uint32(len(t.names))
	t.index[addr] = idx
	t.names = append(t.names, Name(t.resolver, addr))
	t.addrs = append(t.addrs, addr)
	return idx
}

// Lookup returns the index of addr without interning it.
func (t *Table) Lookup(addr uint64) (uint32, bool) {
	idx, ok := t.index[addr]
	return idx, ok
}

// Len returns the number of distinct addresses.
func (t *Table) Len() int {
	return len(t.names)
}

// Names returns the symbol names in index order.
func (t *Table) Names() []string {
	return t.names
}

// Addresses returns the interned addresses in index order.
func (t *Table) Addresses() []uint64 {
	return t.addrs
}
