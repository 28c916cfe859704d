//go:build unix

package main

import (
	"os"
	"syscall"
)

var pauseSignals = []os.Signal{syscall.SIGUSR1}
