// Package fusionctl is the operator command line for a running fusiond
// daemon. Every subcommand talks to the daemon over its JSON-RPC interface.
package fusionctl

import (
	"github.com/fusionbridge/fusiond/rpcclient"
	"github.com/spf13/cobra"
)

func Run(version string) error {
	var (
		server string
		user   string
		pass   string
		noTLS  bool
	)

	var cmd = &cobra.Command{
		Use: "fusionctl",
		Run: func(c *cobra.Command, args []string) {
			c.HelpFunc()(c, args)
		},
		Version:           version,
		DisableAutoGenTag: true,
	}
	cmd.PersistentFlags().StringVar(&server, "rpc-server", "127.0.0.1:8080", "host:port of the fusiond rpc server")
	cmd.PersistentFlags().StringVar(&user, "rpc-user", "", "rpc basic auth user")
	cmd.PersistentFlags().StringVar(&pass, "rpc-pass", "", "rpc basic auth password")
	cmd.PersistentFlags().BoolVar(&noTLS, "no-tls", false, "use plain http towards the daemon")

	client := func() rpcclient.Client {
		protocol := "https"
		if noTLS {
			protocol = "http"
		}
		return rpcclient.NewClient(user, pass, protocol, server)
	}

	cmd.AddCommand(Submit(client))
	cmd.AddCommand(Cancel(client))
	cmd.AddCommand(Settle(client))
	cmd.AddCommand(Bid(client))
	cmd.AddCommand(WithdrawBid(client))
	cmd.AddCommand(BestBid(client))
	cmd.AddCommand(GetOrder(client))
	cmd.AddCommand(ListSwaps(client))
	cmd.AddCommand(ListBids(client))
	return cmd.Execute()
}
