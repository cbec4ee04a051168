package main

import (
	"fmt"
	"os"

	"github.com/csales1987/exonum-btc-anchoring/build"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[anchorcli] %v\n", err)
	os.Exit(1)
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "anchorcli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "offline tooling for the Bitcoin anchoring daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network addresses are encoded for, e.g. " +
				"mainnet, testnet3, regtest.",
			Value: "testnet3",
		},
	}
	app.Commands = []cli.Command{
		deriveAddressCommand,
		decodePayloadCommand,
		classifyTxCommand,
		dumpStateCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
