package util

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/real-rm/chatrelay/internal/metrics"
)

// SafeGo launches a goroutine with panic recovery. A panic inside the
// goroutine is recovered, logged with its component name, and counted; a
// single misbehaving pump never takes down the whole process.
func SafeGo(logger *zap.SugaredLogger, component string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("Panic recovered in goroutine",
					"component", component,
					"panic", fmt.Sprintf("%v", r))
				metrics.MessageErrors.Inc()
			}
		}()
		fn()
	}()
}
