// Command mini-rpc runs the HelloFacade demo: a provider that serves it and
// a consumer that calls it through the registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bxd/mini-rpc/bootstrap"
	"github.com/bxd/mini-rpc/config"
	"github.com/bxd/mini-rpc/examples/hello"
	"github.com/bxd/mini-rpc/log"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

func main() {
	app := cli.NewApp()
	app.Name = "mini-rpc"
	app.Usage = "run the HelloFacade provider or call it"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML configuration file",
		},
		cli.StringFlag{
			Name:  "registry, r",
			Usage: "etcd endpoints, overrides registry_addr",
		},
		cli.StringFlag{
			Name:  "serializer, s",
			Usage: "json, binary or msgpack, overrides serializer",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error, overrides log_level",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "provider",
			Usage: "Serve HelloFacade until interrupted",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "port, p",
					Usage: "listen port, overrides service_port",
				},
				cli.StringFlag{
					Name:  "advertise",
					Usage: "host:port published to the registry",
				},
			},
			Action: providerCommand,
		},
		{
			Name:  "consumer",
			Usage: "Call HelloFacade.SayHello once",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "name, n",
					Value: "mini rpc",
					Usage: "name to greet",
				},
			},
			Action: consumerCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadOptions reads the config file, if any, and applies global flag
// overrides on top.
func loadOptions(c *cli.Context) (config.Options, *zap.Logger, error) {
	opts := config.Default()
	if path := c.GlobalString("config"); path != "" {
		var err error
		if opts, err = config.Load(path); err != nil {
			return opts, nil, err
		}
	}
	if v := c.GlobalString("registry"); v != "" {
		opts.RegistryAddr = v
	}
	if v := c.GlobalString("serializer"); v != "" {
		opts.Serializer = v
	}
	if v := c.GlobalString("log-level"); v != "" {
		opts.LogLevel = v
	}
	if err := opts.Validate(); err != nil {
		return opts, nil, err
	}

	logger, err := log.New(opts.LogLevel)
	if err != nil {
		return opts, nil, err
	}
	return opts, logger, nil
}

func providerCommand(c *cli.Context) error {
	opts, logger, err := loadOptions(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if c.IsSet("port") {
		opts.ServicePort = c.Int("port")
	}
	if v := c.String("advertise"); v != "" {
		opts.AdvertiseAddr = v
	}

	provider, err := bootstrap.NewProvider(opts, logger)
	if err != nil {
		return err
	}
	if err := provider.Register(hello.ServiceName, hello.Version, hello.Service{}); err != nil {
		return err
	}
	if err := provider.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	return provider.Stop(5 * time.Second)
}

func consumerCommand(c *cli.Context) error {
	opts, logger, err := loadOptions(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	consumer, err := bootstrap.NewConsumer(opts, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	if err := consumer.WaitFor(ctx, hello.ServiceName, hello.Version); err != nil {
		return err
	}

	facade := hello.NewClient(consumer.Reference(hello.ServiceName, hello.Version, 0))
	reply, err := facade.SayHello(ctx, c.String("name"))
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}
