package ssekeep

import (
	"context"
)

// Shutdown is canceled when a graceful shutdown is initiated. Long-running
// operations, such as watches and servers, should stop when it is done.
var Shutdown context.Context
var ShutdownCancel func()

// This context should be used as parent by most operations. It is canceled 1
// second after graceful shutdown was initiated with the cancelation of the
// Shutdown context. This aborts active operations, including those waiting for
// the encryption capability to be unlocked.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}
