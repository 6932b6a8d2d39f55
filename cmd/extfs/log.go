package main

import (
	stdlog "log"
	"os"
)

// newStdLogger adapts fuse.MountConfig's *log.Logger hooks (ErrorLogger,
// DebugLogger) to write through the same stderr stream as elog.CLI,
// tagged so fuse-layer lines are distinguishable from driver-layer ones.
func newStdLogger(prefix string) *stdlog.Logger {
	return stdlog.New(os.Stderr, prefix+": ", stdlog.LstdFlags)
}
