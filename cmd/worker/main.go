package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/taskmesh/worker/pkg/log"
	"github.com/taskmesh/worker/pkg/utils"
	"github.com/taskmesh/worker/pkg/worker"
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Taskmesh distributed task execution worker",
	Run: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			log.Fatal(err)
		}
		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}

		config, err := LoadConfig()
		if err != nil {
			log.Fatal(err)
		}

		config.WithDefaults()
		if err := config.Validate(); err != nil {
			log.Fatal(err)
		}
		config.Log()

		w, err := worker.New(config, nil)
		if err != nil {
			log.Fatal(err)
		}

		utils.OnTerminationSignal(func(sig os.Signal) {
			log.Infof("Received %s, shutting down", sig)
			w.Close(true)
		})

		if err := w.Start(); err != nil {
			log.Fatal(err)
		}

		<-w.Done()
	},
}

func main() {
	rootCmd.Flags().StringP("listen", "l", "tcp://0.0.0.0:0", "Address to listen on")
	rootCmd.Flags().StringP("scheduler", "s", "tcp://scheduler:8786", "Address of scheduler service")
	rootCmd.Flags().StringP("name", "n", "", "Worker name")
	rootCmd.Flags().IntP("threads", "j", runtime.NumCPU(), "Maximum thread count")
	rootCmd.Flags().IntP("connections", "c", worker.DefaultTotalConnections, "Maximum concurrent peer fetches")
	rootCmd.Flags().StringP("memory-limit", "m", "", "Memory target before values spill to disk")
	rootCmd.Flags().StringP("spill-dir", "d", "", "Directory for spilled values")
	rootCmd.Flags().IntP("http", "p", 0, "HTTP diagnostics port (0 disables)")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("listen", rootCmd.Flags().Lookup("listen"))
	viper.BindPFlag("scheduler", rootCmd.Flags().Lookup("scheduler"))
	viper.BindPFlag("name", rootCmd.Flags().Lookup("name"))
	viper.BindPFlag("threads", rootCmd.Flags().Lookup("threads"))
	viper.BindPFlag("connections", rootCmd.Flags().Lookup("connections"))
	viper.BindPFlag("memory_limit", rootCmd.Flags().Lookup("memory-limit"))
	viper.BindPFlag("spill_dir", rootCmd.Flags().Lookup("spill-dir"))
	viper.BindPFlag("http_port", rootCmd.Flags().Lookup("http"))
	viper.SetEnvPrefix("taskmesh")
	viper.AutomaticEnv()

	viper.SetConfigName("worker.yaml")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/taskmesh/")
	viper.AddConfigPath("$HOME/.config/taskmesh")
	viper.AddConfigPath(".")
	viper.ReadInConfig()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
