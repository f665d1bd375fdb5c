package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"remote-mirror/internal/fs"
	"remote-mirror/internal/index"
)

func newLsCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "ls <connection> [path]",
		Short: "List a remote directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, manager, cleanup, err := openManager(flags, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			conn, err := manager.Conn(args[0])
			if err != nil {
				return err
			}
			dir := conn.Config().RemoteRoot
			if len(args) == 2 {
				dir = args[1]
			}

			nodes, err := manager.ListRemoteDir(context.Background(), args[0], dir, force)
			if err != nil {
				return err
			}
			return printNodes(os.Stdout, nodes)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Bypass the cache and list the remote")
	return cmd
}

func printNodes(out io.Writer, nodes []*fs.Node) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, node := range nodes {
		size := humanize.Bytes(uint64(node.Size))
		name := node.Name
		if node.IsDir {
			size = "-"
			name += "/"
		}
		modified := "-"
		if node.ModTime > 0 {
			modified = humanize.Time(time.Unix(node.ModTime, 0))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", size, modified, name)
	}
	return w.Flush()
}

func newIndexCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "index <connection>",
		Short: "Rebuild the remote index of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, manager, cleanup, err := openManager(flags, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := manager.RebuildRemoteIndex(context.Background(), args[0], progressPrinter(os.Stderr))
			if err != nil {
				return err
			}

			fmt.Printf("Indexed %s directories (%d empty, %d errors) in %v\n",
				humanize.Comma(int64(stats.Listed)), stats.Empty, stats.Errors, stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func progressPrinter(out io.Writer) index.Callbacks {
	return index.Callbacks{
		OnProgress: func(p index.Progress) {
			fmt.Fprintf(out, "listed %d, pending %d: %s\n", p.Listed, p.Pending, p.Path)
		},
		OnEmpty: func(dir string) {
			fmt.Fprintf(out, "empty: %s\n", dir)
		},
		OnError: func(dir string, err error) {
			fmt.Fprintf(out, "error: %s: %v\n", dir, err)
		},
	}
}
