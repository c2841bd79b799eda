package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "phxgql",
		Short: "GraphQL over Phoenix channels",
		Long: `phxgql sends GraphQL documents to an Absinthe (or compatible) server
over a Phoenix channels websocket.

  phxgql query '{ user(id: 1) { name } }'
  phxgql query -f user.graphql --vars '{"id": 1}' --watch
  phxgql subscribe 'subscription { ticks { n } }' --count 3`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.teardown() },
	}
	a.bindCommon(rootCmd)

	rootCmd.AddCommand(newQueryCmd(a))
	rootCmd.AddCommand(newSubscribeCmd(a))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
