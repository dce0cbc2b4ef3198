// Command p8 is the thin CLI wrapper around github.com/p8db/p8core
// (spec §6's "CLI surface (thin wrapper, not part of the core)"). Every
// subcommand maps one-to-one onto a library call; no planning logic
// lives here.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
