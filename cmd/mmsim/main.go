// Command mmsim runs page fault scenarios against a simulated memory
// manager and prints the outcome of each together with frame table
// statistics.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/tebeka/atexit"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "mmsim: %v\n", err)
	}

	if err := newRootCmd(defaultConfig()).Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
