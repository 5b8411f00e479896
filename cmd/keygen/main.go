package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/tjfontaine/resilient-gateway/internal/auth"
)

func main() {
	generate := flag.Bool("generate", false, "generate a random API key")
	description := flag.String("description", "Generated key", "description stored with the hash")
	flag.Parse()

	var apiKey string
	switch {
	case *generate:
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "sk-" + base64.RawURLEncoding.EncodeToString(buf)
	case flag.NArg() == 1:
		apiKey = flag.Arg(0)
	default:
		fmt.Println("Usage: keygen [-description text] <api-key>")
		fmt.Println("       keygen -generate")
		fmt.Println("Prints the SHA-256 hash of an API key for a consumer entry in config.yaml")
		os.Exit(1)
	}

	keyHash := auth.HashAPIKey(apiKey)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to a consumer in config.yaml:")
	fmt.Printf("consumers:\n")
	fmt.Printf("  - id: my-consumer\n")
	fmt.Printf("    tier: standard\n")
	fmt.Printf("    api_keys:\n")
	fmt.Printf("      - key_hash: \"%s\"\n", keyHash)
	fmt.Printf("        description: \"%s\"\n", *description)
}
