package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chorusdata/dsync/cmd/download"
	"github.com/chorusdata/dsync/cmd/list"
	"github.com/chorusdata/dsync/cmd/upload"
	"github.com/chorusdata/dsync/cmd/util"
	"github.com/chorusdata/dsync/cmd/version"
	"github.com/chorusdata/dsync/pkg/versioncheck"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "DSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "dsync",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// `version` runs its own check with output the user asked for.
			if cmd.CalledAs() != "version" {
				versioncheck.CheckForUpdates()
			}
		},
	}
	rootCmd.AddCommand(
		download.New(),
		list.New(),
		upload.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
