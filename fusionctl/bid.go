package fusionctl

import (
	"fmt"
	"os"

	"github.com/fusionbridge/fusiond/rpcclient"
	"github.com/jedib0t/go-pretty/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func Bid(client func() rpcclient.Client) *cobra.Command {
	var (
		orderID  string
		resolver string
		input    string
		output   string
		gas      uint64
	)

	var cmd = &cobra.Command{
		Use:   "bid",
		Short: "Submit a resolver bid on an open auction round",
		Run: func(c *cobra.Command, args []string) {
			params := rpcclient.BidParams{
				OrderID:     orderID,
				Resolver:    resolver,
				GasEstimate: gas,
			}
			var err error
			if params.InputAmount, err = decimal.NewFromString(input); err != nil {
				cobra.CheckErr(fmt.Errorf("invalid input amount: %w", err))
			}
			if params.OutputAmount, err = decimal.NewFromString(output); err != nil {
				cobra.CheckErr(fmt.Errorf("invalid output amount: %w", err))
			}

			bid, err := client().SubmitBid(params)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Printf("bid submitted: %v (round %v)\n", bid.ID, bid.Round)
		},
		DisableAutoGenTag: true,
	}

	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cmd.Flags().StringVar(&resolver, "resolver", "", "resolver identity")
	cmd.Flags().StringVar(&input, "input", "", "source amount the bid covers")
	cmd.Flags().StringVar(&output, "output", "", "destination amount offered")
	cmd.Flags().Uint64Var(&gas, "gas", 0, "resolver's gas estimate, used as a tie breaker")
	for _, required := range []string{"order", "resolver", "input", "output"} {
		cobra.CheckErr(cmd.MarkFlagRequired(required))
	}
	return cmd
}

func WithdrawBid(client func() rpcclient.Client) *cobra.Command {
	var (
		orderID  string
		bidID    string
		resolver string
	)
	var cmd = &cobra.Command{
		Use:   "withdraw-bid",
		Short: "Withdraw a resolver's bid from the open round",
		Run: func(c *cobra.Command, args []string) {
			if err := client().WithdrawBid(orderID, bidID, resolver); err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Printf("bid withdrawn: %v\n", bidID)
		},
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cmd.Flags().StringVar(&bidID, "bid", "", "bid id")
	cmd.Flags().StringVar(&resolver, "resolver", "", "resolver identity")
	for _, required := range []string{"order", "bid", "resolver"} {
		cobra.CheckErr(cmd.MarkFlagRequired(required))
	}
	return cmd
}

func BestBid(client func() rpcclient.Client) *cobra.Command {
	var orderID string
	var cmd = &cobra.Command{
		Use:   "best-bid",
		Short: "Show the current front-runner of the open round",
		Run: func(c *cobra.Command, args []string) {
			bid, err := client().BestBid(orderID)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}

			t := table.NewWriter()
			t.SetStyle(table.StyleRounded)
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Bid ID", "Round", "Resolver", "Input", "Output", "Rate", "Submitted"})
			t.AppendRow(table.Row{bid.ID, bid.Round, bid.Resolver, bid.InputAmount, bid.OutputAmount, bid.Rate(), bid.SubmittedAt})
			t.Render()
		},
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cobra.CheckErr(cmd.MarkFlagRequired("order"))
	return cmd
}
