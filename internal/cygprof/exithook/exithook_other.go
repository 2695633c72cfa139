//go:build !unix

package exithook

import "os"

func defaultSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// raiseSignal exits with the conventional interrupted status; re-raising is
// not portable outside unix.
func raiseSignal(os.Signal) {
	os.Exit(2)
}
