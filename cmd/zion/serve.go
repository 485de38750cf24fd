package main

import (
	"context"
	"errors"

	"github.com/hunyxv/zion"
	"github.com/urfave/cli/v2"
)

const (
	nameArg         = "name"
	exchangeArg     = "exchange"
	exchangeKindArg = "exchange-kind"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the hello service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  nameArg,
			Usage: "service name, also the queue name",
			Value: "hello",
		},
		&cli.StringFlag{
			Name:  exchangeArg,
			Usage: "exchange to bind on, empty for the default exchange",
		},
		&cli.StringFlag{
			Name:  exchangeKindArg,
			Usage: "declare --exchange with this kind (direct, topic, fanout) before binding",
			Value: string(zion.Topic),
		},
		metricsFlag,
	},
	Action: func(c *cli.Context) error {
		cnf, err := loadConfig(c)
		if err != nil {
			return err
		}
		logger := cnf.Logger()
		ctx, cancel := signalContext(c)
		defer cancel()
		serveMetrics(c, logger)

		node, closeNode, err := openNode(cnf, logger)
		if err != nil {
			return err
		}
		defer closeNode()

		entity, err := zion.NewEntity(cnf.Options(logger, nil)...)
		if err != nil {
			return err
		}
		defer entity.Close()
		if err := entity.RegisterService(HelloService{}); err != nil {
			return err
		}

		service := c.String(nameArg)
		name := zion.NewName(c.String(exchangeArg), service)
		switch err := node.Register(ctx, service, name); {
		case err == nil:
			defer node.Deregister(context.Background(), service)
		case !errors.Is(err, zion.ErrNoDirectory):
			return err
		}
		logger.WithField("methods", entity.Methods()).Infof("serve: %s", service)

		err = entity.ListenAndServe(ctx, node, name, zion.WithExchangeKind(zion.ExchangeKind(c.String(exchangeKindArg))))
		if errors.Is(err, ctx.Err()) {
			return nil
		}
		return err
	},
}
