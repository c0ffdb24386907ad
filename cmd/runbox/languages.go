package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLanguagesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List the configured languages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := root.languages()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDISPLAY\tRUNTIME\tCOMPILE\tEXEC\tTEST\tCHANNELS")
			for _, name := range table.Names() {
				c := table[name]
				var channels []string
				for _, ch := range c.Channels {
					channels = append(channels, string(ch.Kind))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					name, c.DisplayName, c.RuntimeOrDefault(), dash(c.Compile.String()), dash(c.Exec.String()), dash(c.Test.String()), dash(strings.Join(channels, ",")))
			}
			return tw.Flush()
		},
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
