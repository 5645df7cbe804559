// ABOUTME: This file implements the container health check probe
// ABOUTME: Queries the local /healthz endpoint and exits with its status

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

// performHealthCheck probes the running server on the configured listen
// address. Used as a container liveness probe via the -health-check flag.
func performHealthCheck() int {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost"+addr+"/healthz", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "health check setup failed:", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "health check failed:", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "health check failed: status", resp.StatusCode)
		return 1
	}

	fmt.Println("OK")
	return 0
}
