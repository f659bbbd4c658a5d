package main

import (
    "log"

    "github.com/spf13/cobra"

    govcli "github.com/amirimatin/go-intergov/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "govctl",
        Short:         "go-intergov node and governance CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    govcli.AddAll(root)
    return root
}
