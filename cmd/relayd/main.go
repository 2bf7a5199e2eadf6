package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/fieldops/relay/internal/app"
	"github.com/fieldops/relay/internal/paths"
)

func main() {
	dataDir := flag.String("data-dir", paths.BaseDir(), "data directory (config, store, logs)")
	flag.Parse()

	daemon := fx.New(
		app.Module(app.Params{DataDir: *dataDir}),
	)

	daemon.Run()
}
