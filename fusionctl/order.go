package fusionctl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fusionbridge/fusiond/pkg/coordinator"
	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/fusionbridge/fusiond/rpcclient"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func Submit(client func() rpcclient.Client) *cobra.Command {
	var (
		maker       string
		sourceChain string
		destChain   string
		amount      string
		startOutput string
		minOutput   string
		receiveAddr string
		refundAddr  string
		partial     bool
		window      string
	)

	var cmd = &cobra.Command{
		Use:   "submit",
		Short: "Submit a new cross-chain swap order",
		Run: func(c *cobra.Command, args []string) {
			params := coordinator.OrderParams{
				Maker:             maker,
				SourceChain:       ledger.Chain(sourceChain),
				DestinationChain:  ledger.Chain(destChain),
				ReceiveAddress:    receiveAddr,
				RefundAddress:     refundAddr,
				AllowPartialFills: partial,
			}
			var err error
			if params.Amount, err = decimal.NewFromString(amount); err != nil {
				cobra.CheckErr(fmt.Errorf("invalid amount: %w", err))
			}
			if params.StartOutput, err = decimal.NewFromString(startOutput); err != nil {
				cobra.CheckErr(fmt.Errorf("invalid start output: %w", err))
			}
			if params.MinOutput, err = decimal.NewFromString(minOutput); err != nil {
				cobra.CheckErr(fmt.Errorf("invalid min output: %w", err))
			}
			if window != "" {
				if params.AuctionWindow, err = time.ParseDuration(window); err != nil {
					cobra.CheckErr(fmt.Errorf("invalid auction window: %w", err))
				}
			}

			order, err := client().SubmitOrder(params)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Printf("order submitted: %v (auction closes %v)\n", order.ID, order.Deadline.Format(time.RFC3339))
		},
		DisableAutoGenTag: true,
	}

	cmd.Flags().StringVar(&maker, "maker", "", "maker identity")
	cmd.Flags().StringVar(&sourceChain, "source-chain", "", "chain the maker pays on")
	cmd.Flags().StringVar(&destChain, "dest-chain", "", "chain the maker receives on")
	cmd.Flags().StringVar(&amount, "amount", "", "amount the maker offers on the source chain")
	cmd.Flags().StringVar(&startOutput, "start-output", "", "auction start output on the destination chain")
	cmd.Flags().StringVar(&minOutput, "min-output", "", "minimum acceptable output on the destination chain")
	cmd.Flags().StringVar(&receiveAddr, "receive-address", "", "maker's receive address on the destination chain")
	cmd.Flags().StringVar(&refundAddr, "refund-address", "", "maker's refund address on the source chain")
	cmd.Flags().BoolVar(&partial, "partial", false, "allow partial fills")
	cmd.Flags().StringVar(&window, "window", "", "auction window, e.g. 5m (default: daemon setting)")
	for _, required := range []string{"maker", "source-chain", "dest-chain", "amount", "start-output", "min-output", "receive-address", "refund-address"} {
		cobra.CheckErr(cmd.MarkFlagRequired(required))
	}
	return cmd
}

func Cancel(client func() rpcclient.Client) *cobra.Command {
	var orderID string
	var cmd = &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an open order",
		Run: func(c *cobra.Command, args []string) {
			if err := client().CancelOrder(orderID); err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Printf("order cancelled: %v\n", orderID)
		},
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cobra.CheckErr(cmd.MarkFlagRequired("order"))
	return cmd
}

func Settle(client func() rpcclient.Client) *cobra.Command {
	var orderID string
	var cmd = &cobra.Command{
		Use:   "settle",
		Short: "Close the order's bidding round now and start the swap",
		Run: func(c *cobra.Command, args []string) {
			if err := client().SettleOrder(orderID); err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Printf("order settled: %v\n", orderID)
		},
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cobra.CheckErr(cmd.MarkFlagRequired("order"))
	return cmd
}

func GetOrder(client func() rpcclient.Client) *cobra.Command {
	var orderID string
	var cmd = &cobra.Command{
		Use:   "order",
		Short: "Show an order",
		Run: func(c *cobra.Command, args []string) {
			order, err := client().GetOrder(orderID)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			out, err := json.MarshalIndent(order, "", "  ")
			if err != nil {
				cobra.CheckErr(err)
			}
			fmt.Println(string(out))
		},
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cobra.CheckErr(cmd.MarkFlagRequired("order"))
	return cmd
}
