package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hunyxv/zion"
	"github.com/hunyxv/zion/client"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const (
	serviceArg   = "service"
	interfaceArg = "interface"
	timeoutArg   = "timeout"
	msgpackArg   = "msgpack"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "call an operation of a service",
	ArgsUsage: "OPERATION [ARG...] [NAME=VALUE...]",
	Description: "Positional arguments and NAME=VALUE keyword arguments are parsed as JSON " +
		"when possible and passed as strings otherwise.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  serviceArg,
			Usage: "service to call",
			Value: "hello",
		},
		&cli.StringFlag{
			Name:      interfaceArg,
			Usage:     "YAML file describing service interfaces (default: built-in hello interface)",
			TakesFile: true,
		},
		&cli.DurationFlag{
			Name:  timeoutArg,
			Usage: "call timeout",
			Value: 10 * time.Second,
		},
		&cli.BoolFlag{
			Name:  msgpackArg,
			Usage: "encode the request with msgpack instead of JSON",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return errors.New("missing operation")
		}
		cnf, err := loadConfig(c)
		if err != nil {
			return err
		}
		logger := cnf.Logger()

		iface, err := findInterface(c.String(interfaceArg), c.String(serviceArg))
		if err != nil {
			return err
		}
		args, kwargs := parseArgs(c.Args().Tail())

		node, closeNode, err := openNode(cnf, logger)
		if err != nil {
			return err
		}
		defer closeNode()

		ctx, cancel := signalContext(c)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, c.Duration(timeoutArg))
		defer cancelTimeout()

		opts := []client.Option{client.WithLogger(logger)}
		if c.Bool(msgpackArg) {
			opts = append(opts, client.WithCodec(zion.MsgpackCodec))
		}
		rpc, err := client.Dial(ctx, node, iface, opts...)
		if err != nil {
			return err
		}
		defer rpc.Close()

		cmd, err := rpc.Command(c.Args().First())
		if err != nil {
			return err
		}
		result, err := cmd.CallWith(ctx, args, kwargs)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(out))
		return nil
	},
}

func findInterface(path, service string) (*zion.ServiceInterface, error) {
	services, err := loadInterfaces(path)
	if err != nil {
		return nil, err
	}
	for i := range services {
		if services[i].Name == service {
			return &services[i], nil
		}
	}
	return nil, errors.WithMessagef(zion.ErrNotFound, "service interface %s", service)
}

// parseArgs NAME=VALUE 为关键字参数，其余为位置参数；值能按 JSON 解析时取解析结果
func parseArgs(raw []string) ([]any, map[string]any) {
	var args []any
	var kwargs map[string]any
	for _, s := range raw {
		if k, v, ok := strings.Cut(s, "="); ok && k != "" && !strings.ContainsAny(k, " {[\"") {
			if kwargs == nil {
				kwargs = make(map[string]any)
			}
			kwargs[k] = parseValue(v)
			continue
		}
		args = append(args, parseValue(s))
	}
	return args, kwargs
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
