package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"

	"tokamak-settlement/common"
	"tokamak-settlement/config"
	"tokamak-settlement/log"
	"tokamak-settlement/node"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"
)

const (
	flagCfg = "cfg"
	flagEnv = "env"
)

func waitSigInt() {
	stopCh := make(chan interface{})

	// catch ^C to send the stop signal
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt)
	const forceStopCount = 3
	go func() {
		n := 0
		for sig := range ossig {
			if sig == os.Interrupt {
				log.Info("Received Interrupt Signal")
				stopCh <- nil
				n++
				if n == forceStopCount {
					log.Fatalf("Received %v Interrupt Signals", forceStopCount)
				}
			}
		}
	}()
	<-stopCh
}

func loadEnvFile(c *cli.Context) error {
	path := c.GlobalString(flagEnv)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return common.Wrap(fmt.Errorf("godotenv.Load %v: %w", path, err))
	}
	return nil
}

func cmdRun(c *cli.Context) error {
	if err := loadEnvFile(c); err != nil {
		return common.Wrap(err)
	}
	cfg, err := config.LoadNode(c.String(flagCfg))
	if err != nil {
		if err := cli.ShowCommandHelp(c, "run"); err != nil {
			panic(err)
		}
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)

	innerNode, err := node.NewNode(cfg)
	if err != nil {
		return common.Wrap(fmt.Errorf("error starting node: %w", err))
	}
	if err := innerNode.Start(); err != nil {
		innerNode.Stop()
		return common.Wrap(fmt.Errorf("error starting node: %w", err))
	}
	waitSigInt()
	innerNode.Stop()
	return nil
}

func cmdGenBJJ(c *cli.Context) error {
	key, sk, err := common.GenerateKey()
	if err != nil {
		return common.Wrap(err)
	}
	fmt.Printf("BJJ = \"%v\"\n", key.Public())
	fmt.Printf("BJJPrivateKey = \"0x%v\"\n", hex.EncodeToString(sk[:]))
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "settlement-node"
	app.Version = "v1"
	app.Usage = "operator node of the tokamak settlement rollup"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  flagEnv,
			Usage: "dotenv `FILE` loaded before the configuration",
			Value: ".env",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "Run the settlement node",
			Action: cmdRun,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  flagCfg,
					Usage: "Node configuration `FILE`",
				},
			},
		},
		{
			Name:   "genbjj",
			Usage:  "Generate a new BabyJubJub key",
			Action: cmdGenBJJ,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("\nError: %v\n", common.Wrap(err))
		os.Exit(1)
	}
}
