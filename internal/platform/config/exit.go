package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// Exitf reports a fatal startup error and exits with status 1. When one of
// the arguments is flag.ErrHelp the usage text was already printed, so it
// exits with status 0 and writes nothing.
func Exitf(format string, args ...any) {
	for _, arg := range args {
		if err, ok := arg.(error); ok && errors.Is(err, flag.ErrHelp) {
			exit(0)
			return
		}
	}
	fmt.Fprintf(stderr, format+"\n", args...)
	exit(1)
}
