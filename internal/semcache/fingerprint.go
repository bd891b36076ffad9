package semcache

import "math/bits"

// Fingerprint is a 64-bit SimHash of an embedding: bit i is the sign of the
// projection onto the i-th pseudo-random hyperplane. Vectors with small angular
// distance share most bits, so the Hamming distance between fingerprints
// approximates the angle between the embeddings.
func Fingerprint(v []float32) uint64 {
	var fp uint64
	for i := 0; i < 64; i++ {
		var dot float64
		for j, x := range v {
			if plane(uint64(i), uint64(j)) {
				dot += float64(x)
			} else {
				dot -= float64(x)
			}
		}
		if dot >= 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// Hamming returns the number of differing bits.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// plane returns the sign of component j of hyperplane i. It is a splitmix64
// hash so no plane matrix has to be stored for any dimension.
func plane(i, j uint64) bool {
	z := i*0x9E3779B97F4A7C15 + j + 0x632BE59BD9B4E019
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z ^= z >> 31
	return z&1 == 1
}
