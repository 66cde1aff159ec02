package list

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chorusdata/dsync/cmd/util"
	"github.com/chorusdata/dsync/pkg/config"
	"github.com/chorusdata/dsync/pkg/dds"
	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/tree"
)

// New creates a new `list` command.
func New() *cobra.Command {
	var projectName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects, or the contents of one project",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(projectName); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&projectName, "project", "p", "",
		"name of a project whose contents to list")
	return cmd
}

func run(projectName string) error {
	cfg, err := config.Parse()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	ctx := context.Background()
	client := dds.New(cfg)

	if projectName == "" {
		return listProjects(ctx, client)
	}
	return listContents(ctx, client, projectName)
}

func listProjects(ctx context.Context, client *dds.Client) error {
	projects, err := client.ListProjects(ctx)
	if err != nil {
		return errors.WithContext(err, "list projects")
	}

	for _, project := range projects {
		fmt.Println(project.Name)
	}
	return nil
}

func listContents(ctx context.Context, client *dds.Client, projectName string) error {
	project, err := client.ResolveProject(ctx, projectName)
	if err != nil {
		return errors.WithContext(err, "look up project")
	}

	remote, err := client.FetchProjectTree(ctx, project)
	if err != nil {
		return errors.WithContext(err, "fetch remote tree")
	}

	fmt.Printf("%s (%d files, %s)\n", remote.Name,
		remote.FileCount, util.FormatBytes(remote.Size))
	return tree.Walk(remote, func(node *tree.Node) error {
		if node.Kind == tree.KindProject {
			return nil
		}

		indent := strings.Repeat("  ", len(node.Path)+1)
		if node.Kind == tree.KindFolder {
			fmt.Printf("%s%s/\n", indent, node.Name)
		} else {
			fmt.Printf("%s%s (%s)\n", indent, node.Name, util.FormatBytes(node.Size))
		}
		return nil
	})
}
