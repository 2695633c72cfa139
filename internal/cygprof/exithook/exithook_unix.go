//go:build unix

package exithook

import (
	"os"

	"golang.org/x/sys/unix"
)

func defaultSignals() []os.Signal {
	return []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP}
}

// raiseSignal re-sends sig to the process. With no other subscriber left the
// default action applies and the exit status reports death by signal. Falls
// back to exit status 128+signo when the signal cannot be sent.
func raiseSignal(sig os.Signal) {
	s, ok := sig.(unix.Signal)
	if !ok {
		os.Exit(1)
	}

	if err := unix.Kill(unix.Getpid(), s); err != nil {
		os.Exit(128 + int(s))
	}

	// Delivery is asynchronous. If the program handles sig itself this
	// goroutine simply never returns.
	select {}
}
