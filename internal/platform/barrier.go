//go:build linux && cgo

package platform

/*
#include <stdint.h>

// x86-64 store fence: ensures all prior stores are globally visible before
// any subsequent store.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full memory fence: ensures all prior memory operations complete
// before any subsequent memory operation.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// StoreFence issues a store fence: every store before it is globally
// visible before any store after it.
func StoreFence() {
	C.sfence_impl()
}

// FullFence issues a full memory fence: every load and store before it
// completes before any memory operation after it.
func FullFence() {
	C.mfence_impl()
}
