package app

import (
	"os"
	"syscall"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

// ReasonForSignal maps a received signal to a StopReason.
func ReasonForSignal(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	default:
		return StopUnknown
	}
}
