package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/procflow/procflow/agent"
	"github.com/procflow/procflow/config"
	"github.com/procflow/procflow/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "procflow", "namespace used in storage")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage")
	cmd.Flags().String("sqlite-path", "procflow.db", "database file for sqlite storage")
	cmd.Flags().Int("correlation-batch-size", 1000, "candidate couples fetched per correlation cycle")
	cmd.Flags().Int("correlation-interval", 5, "seconds between correlation cycles")
	cmd.Flags().Int("worker-capacity", 512, "work pool capacity")
	cmd.Flags().Int("queue-partitions", 16, "number of work queue partitions")
	cmd.Flags().Int64("timer-wheel-size", 3600, "timing wheel span in seconds")
	cmd.Flags().String("log-level", "info", "log level")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.SqliteConfig.Path = viper.GetString("sqlite-path")
	c.cfg.CorrelationBatchSize = viper.GetInt("correlation-batch-size")
	c.cfg.CorrelationIntervalSeconds = viper.GetInt("correlation-interval")
	c.cfg.WorkerCapacity = viper.GetInt("worker-capacity")
	c.cfg.QueuePartitions = viper.GetInt("queue-partitions")
	c.cfg.TimerWheelSizeSeconds = viper.GetInt64("timer-wheel-size")
	c.cfg.LogLevel = viper.GetString("log-level")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	logger.Init(c.cfg.LogLevel)
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		panic(err)
	}
	err = agent.Start()
	if err != nil {
		panic(err)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}
	cmd := &cobra.Command{
		Use:     "procflow",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}
	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
