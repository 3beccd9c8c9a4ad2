// Command gosession is a command-line client for APIs that issue access/refresh token
// pairs. The session is persisted between invocations in a credential store.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
