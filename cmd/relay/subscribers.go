package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/storage-relay/internal/registry"
)

func subscribersCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "subscribers",
		Short: "Print the persisted subscriber registry",
		Long: `Print every subscriber recorded in the registry state file.

Examples:
  # Table view
  relay subscribers

  # Machine readable
  relay subscribers --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := registry.NewFileStore(cfg.Registry.StateFile)
			subs, err := store.Load()
			if err != nil {
				return err
			}
			list := sortedSubscribers(subs)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			return printSubscribers(os.Stdout, list)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func sortedSubscribers(subs map[string]registry.Subscriber) []registry.Subscriber {
	list := make([]registry.Subscriber, 0, len(subs))
	for _, sub := range subs {
		list = append(list, sub)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].URL < list[j].URL })
	return list
}

func printSubscribers(out io.Writer, list []registry.Subscriber) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "no subscribers")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tACTIVE\tVERSION\tCURSOR\tPREFIXES")
	for _, sub := range list {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%d\t%s\n",
			sub.URL, sub.Active, sub.Version, sub.Cursor, strings.Join(sub.Prefixes, ","))
	}
	return tw.Flush()
}
