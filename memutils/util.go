package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

// UnitSize is the size in bytes of one block header. Every block managed by heapring is a whole
// number of units long, and every payload begins one unit after its header.
const UnitSize int = 16

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// UnitsForBytes returns the number of units a block needs to carry a payload of the provided
// size in bytes, including the unit occupied by the block's own header.
func UnitsForBytes(bytes int) (int, error) {
	if bytes > math.MaxInt-2*UnitSize {
		return 0, cerrors.Wrapf(UnitOverflowError, "requested %d bytes", bytes)
	}

	return AlignUp(bytes, uint(UnitSize))/UnitSize + 1, nil
}

// PayloadBytes returns the payload capacity in bytes of a block that is units long
func PayloadBytes(units int) int {
	if units < 1 {
		return 0
	}
	return (units - 1) * UnitSize
}
