// Command docsync manages an offline document cache and its sync daemon.
package main

import (
	"os"

	"github.com/steveyegge/docsync/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
