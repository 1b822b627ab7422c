package main

import (
	"context"
	"fmt"
	"os"

	"github.com/leadfactory/leadshard/pkg/config"
	"github.com/leadfactory/leadshard/pkg/models/business"
	"github.com/leadfactory/leadshard/pkg/router"
	"github.com/leadfactory/leadshard/pkg/shardlog"
	"github.com/leadfactory/leadshard/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "lfshardctl",
	Short: "Operational tooling for the LeadFactory shard topology",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return shardlog.UpdateZeroLogLevel(logLevel)
	},
}

// openStorage loads the config and wires the router and storage for one
// command invocation.
func openStorage() (*storage.ShardedStorage, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	rt, err := router.New(cfg)
	if err != nil {
		return nil, err
	}
	return storage.New(cfg, rt), nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every shard and report per-shard status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()

		health := st.HealthCheck(context.Background())
		unhealthy := 0
		for _, shardID := range st.Router().ShardIDs() {
			h := health[shardID]
			if h.Healthy {
				fmt.Printf("%s\tup\t%s\n", shardID, h.Latency)
			} else {
				unhealthy++
				fmt.Printf("%s\tdown\t%s\n", shardID, h.Error)
			}
		}
		if unhealthy > 0 {
			return fmt.Errorf("%d shard(s) unhealthy", unhealthy)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate business counts across all shards",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()

		stats := st.GetStatistics(context.Background())
		fmt.Printf("total\t%d\n", stats.Total)
		for _, shardID := range st.Router().ShardIDs() {
			sh := stats.Shards[shardID]
			state := "ok"
			if !sh.Reachable {
				state = "unreachable"
			}
			fmt.Printf("%s\t%d\t%s\n", shardID, sh.Total, state)
		}
		for source, cnt := range stats.BySource {
			fmt.Printf("source:%s\t%d\n", source, cnt)
		}
		return nil
	},
}

var (
	routeZip    string
	routeState  string
	routeCity   string
	routeSource string
	routeID     string
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Print the routing decision for a probe record",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		rt, err := router.New(cfg)
		if err != nil {
			return err
		}

		b := &business.Business{
			ID:     routeID,
			Zip:    routeZip,
			State:  routeState,
			City:   routeCity,
			Source: routeSource,
		}
		fmt.Printf("%s\n", rt.RouteBusiness(b))
		return nil
	},
}

var initSchemaCmd = &cobra.Command{
	Use:   "init-schema",
	Short: "Create the businesses table and indexes on every shard",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()

		return st.EnsureSchema(context.Background())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "leadshard.yaml", "path to the sharding config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warning|error|fatal)")

	routeCmd.Flags().StringVar(&routeZip, "zip", "", "probe zip code")
	routeCmd.Flags().StringVar(&routeState, "state", "", "probe state code")
	routeCmd.Flags().StringVar(&routeCity, "city", "", "probe city")
	routeCmd.Flags().StringVar(&routeSource, "source", "", "probe source")
	routeCmd.Flags().StringVar(&routeID, "id", "", "probe record id")

	rootCmd.AddCommand(healthCmd, statsCmd, routeCmd, initSchemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
