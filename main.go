package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Tutortoise/timberline/config"
	"github.com/Tutortoise/timberline/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "timberline",
	Short: "Real-time detect, track and approach loop",
	Long: `Timberline captures frames, runs an object detector over them with a
pool of workers, and steers towards the best target until it is close
enough to interact with it.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/timberline/timberline.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: "+strings.Join(logging.ValidLevels(), ", "))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("timberline")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TIMBERLINE")
	// TIMBERLINE_TRACKER_SOFT_LOCK_MS for tracker.soft_lock_ms
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
