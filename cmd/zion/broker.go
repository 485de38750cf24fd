package main

import (
	"errors"
	"net/http"

	"github.com/hunyxv/zion"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

const (
	listenArg  = "listen"
	metricsArg = "metrics"
)

var brokerCommand = &cli.Command{
	Name:  "broker",
	Usage: "run an in-memory broker exposed over ZeroMQ",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  listenArg,
			Usage: "ZeroMQ endpoint to bind",
			Value: "tcp://*:5672",
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

		zb, err := zion.NewZMQBroker(zion.NewMemoryBroker(logger), c.String(listenArg), logger,
			zion.WithHeartbeat(cnf.Broker.Heartbeat))
		if err != nil {
			return err
		}
		defer zb.Close()
		logger.WithField("endpoint", c.String(listenArg)).Infof("broker: listening")

		err = zb.Serve(ctx)
		if errors.Is(err, ctx.Err()) {
			return nil
		}
		return err
	},
}

var metricsFlag = &cli.StringFlag{
	Name:  metricsArg,
	Usage: "address to serve prometheus metrics on, e.g. :9100",
}

// serveMetrics 设置了 --metrics 时在后台提供 /metrics
func serveMetrics(c *cli.Context, logger zion.Logger) {
	addr := c.String(metricsArg)
	if addr == "" {
		return
	}
	if err := zion.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.WithError(err).Warnf("metrics: register")
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.WithError(err).Errorf("metrics: serve")
		}
	}()
}
