// Kestrel is a multi-tenant reverse proxy that dispatches OpenAI-, Anthropic-,
// and Gemini-shaped requests across pools of upstream API keys with
// failover, rate limiting, and health-aware routing.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/kestrel.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("kestrel", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
