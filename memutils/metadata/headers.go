package metadata

import "github.com/dolthub/swiss"

// Headers provides the FreeRing with access to block headers, addressed by the unit index of the
// block within its arena. Index 0 always belongs to the ring's sentinel.
type Headers interface {
	// Size returns the total size of the block in units, header included
	Size(block int) int
	SetSize(block int, size int)
	// Link returns the unit index of the next free block in the ring. It is meaningless
	// while the block is allocated.
	Link(block int) int
	SetLink(block int, link int)
	// Drop is called once a block's header has been absorbed into a neighboring free block and
	// will never be read again.
	Drop(block int)
}

type tableHeader struct {
	size int
	link int
}

// TableHeaders keeps block headers in a side table keyed by block index instead of in front of each
// payload. Blocks that have never had a header written report a size of 0.
type TableHeaders struct {
	table *swiss.Map[int, tableHeader]
}

var _ Headers = &TableHeaders{}

func NewTableHeaders() *TableHeaders {
	return &TableHeaders{
		table: swiss.NewMap[int, tableHeader](64),
	}
}

func (h *TableHeaders) Size(block int) int {
	header, _ := h.table.Get(block)
	return header.size
}

func (h *TableHeaders) SetSize(block int, size int) {
	header, _ := h.table.Get(block)
	header.size = size
	h.table.Put(block, header)
}

func (h *TableHeaders) Link(block int) int {
	header, _ := h.table.Get(block)
	return header.link
}

func (h *TableHeaders) SetLink(block int, link int) {
	header, _ := h.table.Get(block)
	header.link = link
	h.table.Put(block, header)
}

func (h *TableHeaders) Drop(block int) {
	h.table.Delete(block)
}

// Has returns true if a header has been written for block and not dropped since
func (h *TableHeaders) Has(block int) bool {
	return h.table.Has(block)
}

// Count returns the number of headers currently held in the table
func (h *TableHeaders) Count() int {
	return h.table.Count()
}
