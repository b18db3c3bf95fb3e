package main

import (
	"flag"
	"os"

	"github.com/okonek/tokenvault/internal/platform/config"
	"github.com/okonek/tokenvault/internal/tools/saltgen"
)

func main() {
	cfg, err := saltgen.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := saltgen.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate salt: %v", err)
	}
}
