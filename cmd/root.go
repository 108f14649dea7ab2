package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/judwhite/go-svc"
	"github.com/shardlog/shardlog/internal/options"
	"github.com/shardlog/shardlog/internal/server"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverOpts = options.New()
	mode       string
	rootCmd    = &cobra.Command{
		Use:   "shardlog",
		Short: "shardlog, a replicated log with a shard DDL state machine on top.",
		Long:  `shardlog replicates one log per database from a leader to its followers and applies shard DDL (create, drop, modify) on every replica in commit order.`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			initServer()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "debug", "mode")

	ctx := &shardlogContext{opts: serverOpts}
	rootCmd.AddCommand(newStatusCMD(ctx).CMD())
	rootCmd.AddCommand(newAssignCMD(ctx).CMD())
}

// shardlogContext 子命令共享的配置
type shardlogContext struct {
	opts *options.Options
}

func initConfig() {
	vp := viper.New()
	if cfgFile != "" {
		vp.SetConfigFile(cfgFile)
		if err := vp.ReadInConfig(); err == nil {
			fmt.Println("Using config file:", vp.ConfigFileUsed())
		}
	}

	vp.SetEnvPrefix("sl")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()
	_ = vp.BindPFlags(rootCmd.PersistentFlags())
	// 初始化服务配置
	serverOpts.ConfigureWithViper(vp)
	options.G = serverOpts
}

func initServer() {
	logOpts := rlog.NewOptions()
	logOpts.Level = serverOpts.Logger.Level
	logOpts.LogDir = serverOpts.Logger.Dir
	logOpts.LineNum = serverOpts.Logger.LineNum
	rlog.Configure(logOpts)

	s := server.New(serverOpts)

	if err := svc.Run(s); err != nil {
		log.Fatal(err)
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
