package main

import (
	"github.com/alecthomas/kong"

	"github.com/openglow/glowflash/internal/cli"
)

func main() {
	var root cli.CLI
	ctx := kong.Parse(&root,
		kong.Name("glowflash"),
		kong.Description("Firmware installer for OpenGlow lamps."),
		kong.UsageOnError(),
		kong.Vars{"assets_url": cli.AssetsURLDefault},
	)
	ctx.FatalIfErrorf(ctx.Run(&root))
}
