package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/booker-api/internal/client"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "booker",
		Short:         "Asynchronous restaurant search and booking API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Client settings for book/status/cancel. BOOKER_API_URL and BOOKER_API_KEY
	// fill in anything not given on the command line.
	root.PersistentFlags().String("api-url", client.DefaultURL, "base URL of the booking API")
	root.PersistentFlags().String("api-key", "", "API key sent as X-API-Key")
	root.PersistentFlags().String("output", "table", "output format: table or json")
	_ = viper.BindPFlag("api_url", root.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api_key", root.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("output", root.PersistentFlags().Lookup("output"))
	_ = viper.BindEnv("api_url", "BOOKER_API_URL")
	_ = viper.BindEnv("api_key", "BOOKER_API_KEY")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newBookCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCancelCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func apiClient() *client.Client {
	return client.New(viper.GetString("api_url"), viper.GetString("api_key"))
}

func jsonOutput() bool {
	return viper.GetString("output") == "json"
}
