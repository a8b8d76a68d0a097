package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/swapd-project/swapd/config"
)

func main() {
	if err := start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func start() error {
	cfg := config.DefaultConfig()

	parser := flags.NewParser(&cfg, flags.Default)

	_, err := parser.Parse()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}

	if err := flags.IniParse(cfg.ConfigFile, &cfg); err != nil {
		if _, ok := err.(*flags.IniError); ok {
			return err
		}
	}

	// Re-parse the command line so flags take precedence over the ini
	// file's values.
	if _, err := parser.Parse(); err != nil {
		return err
	}

	return daemon(&cfg)
}
