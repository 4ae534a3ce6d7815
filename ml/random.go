package ml

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// RandomNormal draws standard normal samples from a source seeded with seed.
// Samples are generated in float64 and only then rounded to dtype, since
// sampling directly in a half precision format skews the distribution.
func RandomNormal(seed uint64, dtype DType, shape ...int) *Tensor {
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}

	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = dtype.Round(float32(dist.Rand()))
	}
	return t
}

func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// StreamSeed derives the seed of the n-th noise stream of seed. Streams are
// hashed apart, so neither seed+k nor StreamSeed(seed+1, n-1) reproduces one.
func StreamSeed(seed, n uint64) uint64 {
	return mix64(mix64(seed^0x9e3779b97f4a7c15) + n)
}
