/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: waiter.go
Description: Blocking-wait helper for the Akaylee Runtime. Waits on a
completion channel indefinitely while emitting a periodic non-fatal
diagnostic, so a wedged handshake shows up in the logs without turning a
slow target into a spurious failure.
*/

package signallink

import (
	"time"

	"github.com/sirupsen/logrus"
)

// WaitWithPulse blocks until done is closed. Every pulse interval it logs
// a warning naming what it is waiting for and keeps waiting; a pulse of
// zero disables the diagnostics. This is a logging aid, never a timeout.
func WaitWithPulse(done <-chan struct{}, what string, pulse time.Duration, logger *logrus.Logger) {
	if pulse <= 0 || logger == nil {
		<-done
		return
	}
	ticker := time.NewTicker(pulse)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			logger.WithFields(logrus.Fields{
				"waiting_for": what,
				"elapsed":     time.Since(start).Round(time.Second),
			}).Warn("Still waiting")
		}
	}
}
