// Command modelpod-sync is the CLI host for the pod model-artifact sync
// CORE: a thin cobra command tree that wires config, locks, the catalog,
// and the other collaborators described in SPEC_FULL.md, then delegates
// to the library packages under internal/. It carries no sync logic of
// its own, matching the teacher's cmd/rescale-int split between a
// library-shaped internal/ tree and a slim cmd/ entry point.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
