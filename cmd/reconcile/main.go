package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openEnvironment).Execute(); err != nil {
		os.Exit(1)
	}
}
