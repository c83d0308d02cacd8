package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		if err := runServe(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "attach":
		if err := runAttach(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "termdeck: %v\n", err)
			os.Exit(1)
		}
	case "sessions":
		if err := runSessions(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "termdeck: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		// A leading flag means "serve" with options.
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runServe(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: termdeck [serve|attach|sessions|version] [flags]\n")
		os.Exit(1)
	}
}
