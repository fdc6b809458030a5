// Command loadtest drives load against a TikTalk chat server. Subcommands:
//
//   - saturate: open and hold N idle joined connections
//   - stranger: pairs find each other, chat, and reveal via hearts
//   - room:     public room broadcast fan-out latency
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "stranger":
		runStranger(os.Args[2:])
	case "room":
		runRoom(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Open N idle joined connections and hold them")
	fmt.Println("  stranger    Pairs find a stranger, exchange messages, then heart-reveal")
	fmt.Println("  room        Talkers post to the public room while everyone listens")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
