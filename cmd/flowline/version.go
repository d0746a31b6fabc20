package main

import "fmt"

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func versionString() string {
	return fmt.Sprintf("flowline %s", version)
}
