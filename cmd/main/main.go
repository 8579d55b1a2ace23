package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"toolgate/internal/logging"
	"toolgate/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Toolgate - tool execution gateway for agent platforms",
	Long: `Toolgate sits between AI agents and their tool providers. It maintains
connections to MCP servers over stdio, SSE and streamable HTTP, keeps a
searchable registry of the tools they expose, and executes calls with
idempotency, retry budgets and per-provider circuit breaking.`,
	Version: version.GetVersionString(),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print detailed version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetFullVersionString())
	},
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	serveCmd.Flags().Int("port", 0, "API listen port (overrides TOOLGATE_API_PORT)")
	serveCmd.Flags().String("database", "", "SQLite database path (overrides TOOLGATE_DATABASE_URL)")
	serveCmd.Flags().String("providers", "", "provider list file (overrides TOOLGATE_PROVIDERS)")
	serveCmd.Flags().Bool("debug", false, "enable debug logging")

	_ = viper.BindPFlag("api_port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("database_url", serveCmd.Flags().Lookup("database"))
	_ = viper.BindPFlag("providers", serveCmd.Flags().Lookup("providers"))
	_ = viper.BindPFlag("debug", serveCmd.Flags().Lookup("debug"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	viper.SetEnvPrefix("TOOLGATE")
	viper.AutomaticEnv()
}

func initLogging() {
	logging.Initialize(viper.GetBool("debug"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
