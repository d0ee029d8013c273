// Command btrfs-backup orchestrates incremental btrfs snapshot transfers
// between two repositories via btrfs send/receive, user-supplied filter
// pipelines, and an optional remote-command wrapper.
package main

import (
	"fmt"
	"os"

	"github.com/arkeep-io/btrfs-backup/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
