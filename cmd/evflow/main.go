// Package main is the evflow command itself.
package main

import (
	"log"
	"os"

	evflowcli "github.com/evflow/evflow/cli"
)

func main() {
	app := evflowcli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
