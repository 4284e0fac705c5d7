package main

import (
	"fmt"
	"os"

	"github.com/quarrylabs/quarry/internal/dataset"
	"github.com/quarrylabs/quarry/internal/logging"
)

func datasets(args []string) {
	var configPath string
	var dataDir string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--data":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--data requires a value")
				os.Exit(1)
			}
			dataDir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if dataDir != "" {
		cfg.Data.Dir = dataDir
	}

	store, err := dataset.NewStore(cfg.Data.Dir, logging.Nop())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	list, err := store.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(list) == 0 {
		fmt.Printf("no datasets under %s\n", cfg.Data.Dir)
		return
	}
	for _, ds := range list {
		fmt.Printf("%-40s %8d bytes  %s\n", ds.RelPath, ds.Size, ds.Format)
	}
}
