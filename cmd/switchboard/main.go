// Command switchboard relays phone calls between Twilio Media Streams and a
// realtime speech model.
//
// Usage:
//
//	switchboard serve --config config.yaml
//	switchboard version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
