package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// UnitOverflowError is returned from UnitsForBytes when a byte count cannot be expressed as a unit count
var UnitOverflowError error = errors.New("byte count overflows the unit range")
