//go:build !linux

package shard

// pinToCores is a no-op off Linux; affinity hints are advisory there.
func pinToCores(cores []int) (func(), error) {
	return func() {}, nil
}
