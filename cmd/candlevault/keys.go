package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// keysCmd manages admin API keys from the shell. Issuing the first key
// here bootstraps access to the HTTP admin routes, which themselves
// require a key.
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage admin API keys",
	}

	var nameFlag string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new admin API key and print the secret once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nameFlag == "" {
				return fmt.Errorf("--name is required")
			}
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			key, plaintext, err := a.keys.Issue(ctx, nameFlag)
			if err != nil {
				return err
			}
			fmt.Printf("id:  %s\nkey: %s\n", key.ID, plaintext)
			fmt.Println("store the key now; it is not retrievable later")
			return nil
		},
	}
	issue.Flags().StringVar(&nameFlag, "name", "", "key name (required)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List issued keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := a.keys.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tCREATED")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n",
					k.ID, k.Name, k.Active, k.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.keys.Revoke(ctx, args[0])
		},
	}

	cmd.AddCommand(issue, list, revoke)
	return cmd
}
