package upload

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
	"github.com/chorusdata/dsync/pkg/tree"
)

// New creates a new `upload` command.
func New() *cobra.Command {
	var projectName string
	cmd := &cobra.Command{
		Use:   "upload PATH [PATH...]",
		Short: "Upload files and folders to a project",
		Long: "Upload the given files and folders to a project, creating the\n" +
			"project if it doesn't exist. Files whose content already matches\n" +
			"the remote copy are skipped, so re-running an interrupted upload\n" +
			"only transfers what's missing.",
		Args: cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(projectName, args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&projectName, "project", "p", "",
		"name of the project to upload into")
	cmd.MarkFlagRequired("project")
	return cmd
}

func run(projectName string, paths []string) error {
	cfg, err := config.Parse()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	exclude, err := cfg.ExcludeRegex()
	if err != nil {
		return err
	}

	local, err := tree.BuildProject(projectName, paths, tree.Options{
		Exclude:        exclude,
		FollowSymlinks: cfg.FollowSymlinks,
	})
	if err != nil {
		return errors.WithContext(err, "read local files")
	}

	ctx := context.Background()
	client := dds.New(cfg)

	remote, err := resolveRemote(ctx, client, projectName)
	if err != nil {
		return err
	}

	plan, err := sync.BuildUploadPlan(local, remote)
	if err != nil {
		return errors.WithContext(err, "plan upload")
	}

	bytesPerChunk, err := cfg.BytesPerChunk()
	if err != nil {
		return err
	}

	progress := sync.NewProgress(local.FileCount, local.Size)
	uploader := &sync.Uploader{
		Service:       client,
		Workers:       cfg.NumUploadWorkers(),
		BytesPerChunk: bytesPerChunk,
		Retry:         retry.Default(),
		Progress:      progress,
	}

	pp := util.NewProgressPrinter(os.Stdout, fmt.Sprintf(
		"Uploading %d files (%s) to project %q...",
		local.FileCount, util.FormatBytes(local.Size), projectName), progress)
	go pp.Run()
	result, err := uploader.Run(ctx, remote.RemoteID, plan)
	pp.Stop()
	if err != nil {
		return err
	}

	util.PrintReport(os.Stdout, result)
	return result.Err()
}

// resolveRemote fetches the project's current remote tree, creating the
// project first if it doesn't exist yet.
func resolveRemote(ctx context.Context, client *dds.Client, name string) (*tree.Node, error) {
	project, err := client.ResolveProject(ctx, name)
	if err == nil {
		remote, err := client.FetchProjectTree(ctx, project)
		if err != nil {
			return nil, errors.WithContext(err, "fetch remote tree")
		}
		return remote, nil
	}

	if _, ok := errors.RootCause(err).(errors.NotFound); !ok {
		return nil, errors.WithContext(err, "look up project")
	}

	id, err := client.CreateProject(ctx, name)
	if err != nil {
		return nil, errors.WithContext(err, "create project")
	}

	remote := tree.NewProject(name)
	remote.RemoteID = id
	return remote, nil
}
