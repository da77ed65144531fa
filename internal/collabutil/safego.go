// Package collabutil holds small cross-cutting helpers shared by the
// collaboration core.
package collabutil

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// SafeGo launches fn in a goroutine with deferred panic recovery.
// On panic: logs the stack trace and recovers. Does NOT crash the
// process — background panics inside a single session's callback path
// should not take down every other note's session.
func SafeGo(log *zap.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in background goroutine",
					zap.Any("recovered", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
