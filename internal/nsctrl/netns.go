package nsctrl

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// EnterNetworkNamespace unshares the calling goroutine's OS thread into a
// new network namespace (spec section 4.2 step 2). The caller MUST have
// already started every goroutine that needs to retain the host
// namespace's UDP socket (spec section 5's namespace-pinning invariant) —
// this function only affects whatever OS thread it itself runs on.
//
// runtime.LockOSThread pins the calling goroutine to its current OS thread
// for the remainder of its life: unshare(CLONE_NEWNET) only affects the
// calling thread, and Go's scheduler would otherwise be free to migrate the
// goroutine onto a different, unaffected thread afterward.
func EnterNetworkNamespace() error {
	runtime.LockOSThread()
	if err := unix.Unshare(unix.CLONE_NEWNET); err != nil {
		return fmt.Errorf("nsctrl: unshare network namespace: %w", err)
	}
	return nil
}
