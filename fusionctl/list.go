package fusionctl

import (
	"fmt"
	"os"

	"github.com/fusionbridge/fusiond/rpcclient"
	"github.com/jedib0t/go-pretty/table"
	"github.com/spf13/cobra"
)

func ListSwaps(client func() rpcclient.Client) *cobra.Command {
	var orderID string
	var cmd = &cobra.Command{
		Use:   "swaps",
		Short: "List the swaps settled for an order",
		Run: func(c *cobra.Command, args []string) {
			recs, err := client().ListSwaps(orderID)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}

			t := table.NewWriter()
			t.SetStyle(table.StyleRounded)
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Swap ID", "Round", "State", "Source", "Dest", "Resolver", "Source Amount", "Dest Amount"})
			rows := make([]table.Row, len(recs))
			for i, rec := range recs {
				rows[i] = table.Row{rec.SwapID, rec.Round, rec.State, rec.SourceChain, rec.DestChain, rec.SourceResolver, rec.SourceAmount, rec.DestAmount}
			}
			t.AppendRows(rows)
			t.Render()
		},
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cobra.CheckErr(cmd.MarkFlagRequired("order"))
	return cmd
}

func ListBids(client func() rpcclient.Client) *cobra.Command {
	var orderID string
	var cmd = &cobra.Command{
		Use:   "bids",
		Short: "List every bid submitted for an order",
		Run: func(c *cobra.Command, args []string) {
			recs, err := client().ListBids(orderID)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}

			t := table.NewWriter()
			t.SetStyle(table.StyleRounded)
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Bid ID", "Round", "Resolver", "Input", "Output", "Gas", "Active", "Submitted"})
			rows := make([]table.Row, len(recs))
			for i, rec := range recs {
				rows[i] = table.Row{rec.BidID, rec.Round, rec.Resolver, rec.InputAmount, rec.OutputAmount, rec.GasEstimate, rec.Active, rec.SubmittedAt}
			}
			t.AppendRows(rows)
			t.Render()
		},
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cobra.CheckErr(cmd.MarkFlagRequired("order"))
	return cmd
}
