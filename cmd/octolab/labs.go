package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/pkg/client"
)

var labsCmd = &cobra.Command{
	Use:   "labs",
	Short: "Operator convenience over the labs API",
}

func apiClient() *client.Client {
	c := client.New(serverURL, asUser)
	if asAdmin {
		c.AsAdmin()
	}
	return c
}

var labsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your labs",
	RunE: func(cmd *cobra.Command, args []string) error {
		labs, err := apiClient().ListLabs(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRECIPE\tSTATUS\tRUNTIME\tEXPIRES\tEVIDENCE")
		for _, lab := range labs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				lab.ID, lab.RecipeID, lab.Status, lab.Runtime,
				lab.ExpiresAt.Format(time.RFC3339), lab.EvidenceState)
		}
		return w.Flush()
	},
}

var labsGetCmd = &cobra.Command{
	Use:   "get LAB_ID",
	Short: "Show one lab as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lab, err := apiClient().GetLab(context.Background(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(lab)
	},
}

var labsEndCmd = &cobra.Command{
	Use:   "end LAB_ID",
	Short: "Request teardown of a lab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lab, err := apiClient().EndLab(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("lab %s is %s\n", lab.ID, lab.Status)
		return nil
	},
}

func init() {
	labsCmd.AddCommand(labsListCmd)
	labsCmd.AddCommand(labsGetCmd)
	labsCmd.AddCommand(labsEndCmd)
}
