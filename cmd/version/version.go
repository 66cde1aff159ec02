package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chorusdata/dsync/pkg/version"
	"github.com/chorusdata/dsync/pkg/versioncheck"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of dsync.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("dsync version: %s\n", version.Version)
			versioncheck.CheckForUpdates()
		},
	}
}
