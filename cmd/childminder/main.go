package main

import (
	"github.com/tannerhall/childminder/internal/cli"
	"github.com/tannerhall/childminder/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
