//go:build !iouring_idle

package uring

// newIdle selects the portable channel-based Idle. Build with
// -tags iouring_idle to use the giouring-backed ring instead.
func newIdle() Idle {
	return newChanIdle()
}
