// Package workload provides deterministic busy loops to measure.
package workload

// sink keeps results live so the compiler cannot drop the loops.
var sink uint64

// Spin performs n additions and multiplications on a running value and
// returns it.
//
//go:noinline
func Spin(n int) uint64 {
	var x uint64 = 1
	for i := 0; i < n; i++ {
		x = x*6364136223846793005 + uint64(i)
	}
	sink = x
	return x
}

// Touch walks buf with the given stride, n times, to produce cache and TLB
// traffic. It returns the sum of the bytes read.
func Touch(buf []byte, stride, n int) uint64 {
	if len(buf) == 0 || stride <= 0 {
		return 0
	}
	var sum uint64
	for r := 0; r < n; r++ {
		for i := 0; i < len(buf); i += stride {
			buf[i]++
			sum += uint64(buf[i])
		}
	}
	sink = sum
	return sum
}
