package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/runbox/internal/cli/config"
)

func newContextCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage config contexts",
	}

	var set cliconfig.Context
	setCmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Create or replace a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.conn.Config
			if cfg == nil {
				cfg = &cliconfig.Config{}
			}
			ctx := set
			cfg.SetContext(args[0], &ctx)
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Printf("context %q saved\n", args[0])
			return nil
		},
	}
	setCmd.Flags().StringVar(&set.Sandbox, "sandbox-addr", "", "sandbox gRPC endpoint")
	setCmd.Flags().StringVar(&set.NATSURL, "nats-url", "", "hub NATS URL")
	setCmd.Flags().StringVar(&set.SubjectPrefix, "subject-prefix", "", "hub subject prefix")
	setCmd.Flags().IntVar(&set.TimeoutSeconds, "timeout-seconds", 0, "connection timeout in seconds")
	setCmd.Flags().StringVar(&set.Languages, "languages", "", "YAML file overlaying the built-in languages")

	useCmd := &cobra.Command{
		Use:   "use NAME",
		Short: "Switch the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.conn.Config
			if cfg == nil {
				return fmt.Errorf("no config at %s", root.configPath)
			}
			if err := cfg.UseContext(args[0]); err != nil {
				return err
			}
			return cfg.Save(root.configPath)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List contexts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.conn.Config
			if cfg == nil {
				return nil
			}
			names := make([]string, 0, len(cfg.Contexts))
			for n := range cfg.Contexts {
				names = append(names, n)
			}
			sort.Strings(names)
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CURRENT\tNAME\tSANDBOX\tNATS")
			for _, n := range names {
				cur := ""
				if n == cfg.CurrentContext {
					cur = "*"
				}
				c := cfg.Contexts[n]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", cur, n, c.Sandbox, c.NATSURL)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(setCmd, useCmd, listCmd)
	return cmd
}
