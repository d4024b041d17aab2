// This is the main entry of the tcpflow CLI tool, which streams the TCP
// connect, close and flow-sample records captured in the kernel, or replayed
// from a recorded trace, to the log.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

func main() {
	// Establish logger output format in case we're hitting errors before the
	// configuration has been read.
	log.SetFormatter(textFormatter())

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func textFormatter() log.Formatter {
	f := new(prefixed.TextFormatter)
	f.DisableColors = true
	f.ForceFormatting = true
	f.FullTimestamp = true
	f.TimestampFormat = "15:04:05.000"

	return f
}
