package vfs

import (
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"
)

// recoverOp is the dispatcher's failure-translation backstop: a panic
// inside an operation becomes EIO instead of tearing down the host.
func recoverOp(op string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[FS] panic in %s: %v\n%s", op, r, debug.Stack())
		*err = EIO
	}
}

// trace returns a deferred logger for one path-bearing operation,
// a no-op closure unless trace logging is enabled.
func (fs *FileSystem) trace(op, path string, err *error) func() {
	if !log.IsLevelEnabled(log.TraceLevel) {
		return func() {}
	}
	start := time.Now()
	return func() {
		log.Tracef("[FS] %s %q → %v (%v)", op, path, *err, time.Since(start))
	}
}

// trace2 is trace for two-path operations.
func (fs *FileSystem) trace2(op, src, dst string, err *error) func() {
	if !log.IsLevelEnabled(log.TraceLevel) {
		return func() {}
	}
	start := time.Now()
	return func() {
		log.Tracef("[FS] %s %q → %q → %v (%v)", op, src, dst, *err, time.Since(start))
	}
}
