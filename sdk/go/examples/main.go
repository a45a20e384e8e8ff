package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/parkseungchul/llmkit/sdk/go/llmkit"
)

// 用法：LLMKIT_URL=http://localhost:8080 go run ./sdk/go/examples
func main() {
	base := os.Getenv("LLMKIT_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client, err := llmkit.NewClient(base, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server not reachable:", err)
		os.Exit(1)
	}

	env, err := client.Run(ctx, llmkit.Case{
		Provider:   "openai",
		UserPrompt: "List three prime numbers as a JSON array under the key primes.",
		ReturnJSON: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if env.Failed() {
		fmt.Printf("failed at %s: %s\n", env.Meta.ErrorAt, env.Meta.Error.Message)
		os.Exit(1)
	}
	fmt.Printf("request %s took %.0fms\n", env.Meta.RequestID, env.Meta.TotalMS)
	if env.ParseError != nil {
		fmt.Printf("text (not JSON: %s): %s\n", *env.ParseError, env.View.Text)
		return
	}
	fmt.Printf("json: %s\n", env.View.JSON)
}
