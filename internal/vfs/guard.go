package vfs

// Guard owns one reference on a Node and returns it to the OpenTable
// when closed. Guards are not safe for concurrent use and must not
// outlive the table. The zero Guard is empty and closes as a no-op.
type Guard struct {
	table *OpenTable
	node  *Node
}

func newGuard(t *OpenTable, n *Node) *Guard {
	return &Guard{table: t, node: n}
}

// Node returns the guarded node, or nil for an empty guard.
func (g *Guard) Node() *Node {
	return g.node
}

// Close returns the reference to the table. Closing twice is a no-op.
func (g *Guard) Close() error {
	if g == nil || g.node == nil {
		return nil
	}
	n := g.node
	g.node = nil
	return g.table.Close(n)
}

// Reset releases the current node, if any, and adopts n in its place.
func (g *Guard) Reset(n *Node) error {
	var err error
	if g.node != nil {
		err = g.table.Close(g.node)
	}
	g.node = n
	return err
}

// Release hands the reference to the caller, leaving the guard empty.
// The caller becomes responsible for returning it to the table — used
// for handles carried across the host boundary.
func (g *Guard) Release() *Node {
	n := g.node
	g.node = nil
	return n
}
