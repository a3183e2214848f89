// Package main is the entry point for the Whisper load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test
//   - match:    Queue and matching flow load test
//   - call:     Full call lifecycle load test
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
	case "match":
		runMatch(os.Args[2:])
	case "call":
		runCall(os.Args[2:])
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
	fmt.Println("  saturate    Connection saturation test: opens N identified idle connections")
	fmt.Println("  match       Matching flow load test: pairs of callers join the queue and get matched")
	fmt.Println("  call        Full call lifecycle test: match, offer/answer, ice-candidates, end-call")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
