package download

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chorusdata/dsync/cmd/util"
	"github.com/chorusdata/dsync/pkg/config"
	"github.com/chorusdata/dsync/pkg/dds"
	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/retry"
	"github.com/chorusdata/dsync/pkg/sync"
)

// New creates a new `download` command.
func New() *cobra.Command {
	var projectName string
	cmd := &cobra.Command{
		Use:   "download [DEST]",
		Short: "Download a project into a local directory",
		Long: "Download a project's full contents into DEST, which must be\n" +
			"empty or nonexistent. DEST defaults to a directory named after\n" +
			"the project.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			dest := projectName
			if len(args) == 1 {
				dest = args[0]
			}
			if err := run(projectName, dest); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&projectName, "project", "p", "",
		"name of the project to download")
	cmd.MarkFlagRequired("project")
	return cmd
}

func run(projectName, dest string) error {
	cfg, err := config.Parse()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	ctx := context.Background()
	client := dds.New(cfg)

	project, err := client.ResolveProject(ctx, projectName)
	if err != nil {
		return errors.WithContext(err, "look up project")
	}

	remote, err := client.FetchProjectTree(ctx, project)
	if err != nil {
		return errors.WithContext(err, "fetch remote tree")
	}

	progress := sync.NewProgress(remote.FileCount, remote.Size)
	downloader := &sync.Downloader{
		Service:  client,
		Workers:  cfg.NumDownloadWorkers(),
		Retry:    retry.Default(),
		Progress: progress,
	}

	pp := util.NewProgressPrinter(os.Stdout, fmt.Sprintf(
		"Downloading %d files (%s) from project %q into %q...",
		remote.FileCount, util.FormatBytes(remote.Size), projectName, dest), progress)
	go pp.Run()
	result, err := downloader.Run(ctx, remote, dest)
	pp.Stop()
	if err != nil {
		return err
	}

	util.PrintReport(os.Stdout, result)
	return result.Err()
}
