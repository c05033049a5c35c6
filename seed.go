package gflake

import (
	"crypto/rand"
	"io"
	"math/big"
)

// RandomDiscriminator returns a value in 1..31 read from r, or from
// crypto/rand when r is nil.
func RandomDiscriminator(r io.Reader) (int64, error) {
	if r == nil {
		r = rand.Reader
	}
	n, err := rand.Int(r, big.NewInt(MaxProcessID))
	if err != nil {
		return 0, err
	}
	return n.Int64() + 1, nil
}

// RandomDiscriminators returns a random process ID and worker seed.
//
// Random discriminators only make collisions between independently started
// generators unlikely; use a workerid allocator when they must not happen.
func RandomDiscriminators(r io.Reader) (processID, workerSeed int64, err error) {
	if processID, err = RandomDiscriminator(r); err != nil {
		return 0, 0, err
	}
	if workerSeed, err = RandomDiscriminator(r); err != nil {
		return 0, 0, err
	}
	return processID, workerSeed, nil
}
