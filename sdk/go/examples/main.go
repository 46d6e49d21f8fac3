// Command examples submits a command to a running agent-matrix daemon and
// prints the outcome.
//
//	AGENTMATRIX_URL=http://127.0.0.1:8080 AGENTMATRIX_TOKEN=... go run ./sdk/go/examples "ls -la"
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"agent-matrix/sdk/go/matrix"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: examples <command...>")
		os.Exit(2)
	}
	baseURL := os.Getenv("AGENTMATRIX_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}

	client, err := matrix.NewClient(baseURL, &http.Client{Timeout: 2 * time.Minute})
	if err != nil {
		panic(err)
	}
	client.SetAccessToken(os.Getenv("AGENTMATRIX_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cmd, err := client.Submit(ctx, matrix.Submission{Command: strings.Join(os.Args[1:], " ")})
	if err != nil {
		if matrix.IsPolicyViolation(err) {
			fmt.Fprintf(os.Stderr, "rejected by policy gate: %v\n", err)
			os.Exit(1)
		}
		panic(err)
	}
	fmt.Printf("submitted command %s (status=%s)\n", cmd.ID, cmd.Status)

	cmd, err = client.Wait(ctx, cmd.ID, 250*time.Millisecond)
	if err != nil {
		panic(err)
	}
	if cmd.Status != matrix.StatusSucceeded {
		fmt.Printf("command %s failed: [%s] %s\n", cmd.ID, cmd.ErrorCode, cmd.LastError)
		os.Exit(1)
	}
	fmt.Println(cmd.Result.AgentOutput)
	fmt.Print(cmd.Result.Stdout)
}
