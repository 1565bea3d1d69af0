package main

import (
	"os"
	"strings"

	"github.com/SafeMPC/threshold-coordinator/cmd/db"
	"github.com/SafeMPC/threshold-coordinator/cmd/probe"
	"github.com/SafeMPC/threshold-coordinator/cmd/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "threshold-coordinator",
		Short: "Multiparty threshold signing coordinator",
		Run: func(cmd *cobra.Command, args []string) {
			if err := cmd.Help(); err != nil {
				log.Fatal().Err(err).Msg("Failed to print help")
			}
			os.Exit(0)
		},
	}

	var configFile string
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file overriding environment variables")
	cobra.OnInitialize(func() {
		if configFile == "" {
			return
		}
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatal().Err(err).Str("config", configFile).Msg("Failed to read config file")
		}
		// 配置文件键提升为环境变量，配置层统一从环境读取
		for _, key := range viper.AllKeys() {
			env := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if _, exists := os.LookupEnv(env); !exists {
				os.Setenv(env, viper.GetString(key))
			}
		}
	})

	rootCmd.AddCommand(
		server.New(),
		db.New(),
		probe.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}
