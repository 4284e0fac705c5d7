package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "datasets":
		datasets(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  quarry serve [--config <quarry.yaml>] [--addr <host:port>] [--data <dir>]")
	fmt.Fprintln(os.Stderr, "  quarry datasets [--config <quarry.yaml>] [--data <dir>]")
	fmt.Fprintln(os.Stderr, "  quarry version")
}
