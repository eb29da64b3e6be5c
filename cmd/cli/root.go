package cli

import (
	"fmt"
	"os"
	"strings"

	"chatassign/internal/config"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	// CHATASSIGN_DATABASE_HOST 对应 database.host
	envKeyReplacer = strings.NewReplacer(".", "_")
)

var rootCmd = &cobra.Command{
	Use:   "chatassign",
	Short: "Chat assignment and reassignment engine",
	Long: `chatassign keeps every live support chat attached to an available agent.

It tracks user and agent presence, reassigns chats when either side goes away,
enforces cooldown and reassignment limits, and records every decision.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	// .env 中的变量先进入进程环境，再由 viper 读取
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CHATASSIGN")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Println("Error reading config file:", err)
		}
	}
}

// loadConfig 加载配置并初始化日志，供各子命令使用
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	return cfg, nil
}
