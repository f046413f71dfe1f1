package metadata

// AllocationRequest is a type returned from FreeRing.CreateAllocationRequest which indicates which
// free block the ring intends to carve a new allocation from. It can be committed with FreeRing.Alloc
// as long as the ring has not been modified in the meantime.
type AllocationRequest struct {
	// Block is the unit index of the free block chosen for the allocation
	Block int
	// Previous is the unit index of the ring node that links to Block
	Previous int
	// Units is the total size of the allocation in units, header included
	Units int
	// Strategy is the strategy that selected Block
	Strategy AllocationStrategy
}

// Exact returns true if the chosen block will be consumed entirely by the allocation, rather than split
func (r AllocationRequest) Exact(blockSize int) bool {
	return blockSize == r.Units
}
