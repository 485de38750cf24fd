package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hunyxv/zion"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const (
	configArg   = "config"
	logLevelArg = "log-level"
	brokerArg   = "broker"
	urlArg      = "url"
)

func main() {
	app := cli.NewApp()
	app.Name = "zion"
	app.Usage = "RPC over message broker channels"
	app.EnableBashCompletion = true

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:      configArg,
			Aliases:   []string{"c"},
			Usage:     "path to the TOML configuration file",
			EnvVars:   []string{"ZION_CONFIG"},
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  logLevelArg,
			Usage: "log level (trace, debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  brokerArg,
			Usage: "broker kind: memory, amqp or zmq (overrides config)",
		},
		&cli.StringFlag{
			Name:  urlArg,
			Usage: "broker url (overrides config)",
		},
	}
	app.Commands = []*cli.Command{
		brokerCommand,
		serveCommand,
		callCommand,
		configCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig 读取配置文件后应用命令行覆盖
func loadConfig(c *cli.Context) (*zion.Config, error) {
	cnf, err := zion.LoadConfig(c.String(configArg))
	if err != nil {
		return nil, err
	}
	if c.IsSet(logLevelArg) {
		cnf.LogLevel = c.String(logLevelArg)
	}
	if c.IsSet(brokerArg) {
		cnf.Broker.Kind = c.String(brokerArg)
	}
	if c.IsSet(urlArg) {
		cnf.Broker.URL = c.String(urlArg)
	}
	if err := cnf.Validate(); err != nil {
		return nil, err
	}
	return cnf, nil
}

// signalContext SIGINT/SIGTERM 时结束
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// openNode 按配置连接代理并创建 Node，返回的函数关闭 Node 和目录
func openNode(cnf *zion.Config, logger zion.Logger) (*zion.Node, func(), error) {
	dir, err := cnf.NewDirectory(logger)
	if err != nil {
		return nil, nil, err
	}
	conn, err := cnf.Dial(logger)
	if err != nil {
		if dir != nil {
			dir.Close()
		}
		return nil, nil, err
	}
	node := zion.NewNode(conn, cnf.Options(logger, dir)...)
	logger.WithFields(logrus.Fields{
		"node":   node.ID,
		"broker": cnf.Broker.Kind,
		"url":    cnf.Broker.URL,
	}).Debugf("node opened")
	return node, func() {
		node.Close()
		if dir != nil {
			dir.Close()
		}
	}, nil
}
