package gotov8

import (
	"math/big"
	"strconv"
)

// Number is an arbitrary-precision decimal in text form. Guest BigInts that
// do not fit 64 bits arrive as a Number, and a Number sent to a guest becomes
// a BigInt when it is integral or a float otherwise.
type Number string

func (n Number) String() string {
	return string(n)
}

// BigInt parses an integral Number.
func (n Number) BigInt() (*big.Int, bool) {
	return new(big.Int).SetString(string(n), 10)
}

// Float64 parses the Number as a float, losing precision as needed.
func (n Number) Float64() (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

// CircularReference stands in for a guest object already materialized earlier
// in the same conversion.
type CircularReference struct{}
