// Package main is an operator utility that flattens the book through the
// engine's control API. It trips the kill switch and closes every live
// trade, then prints the resulting status.
//
// Usage:
//
//	export OPS_AUTH_TOKEN="your_token_here"
//	go run scripts/flatten/main.go -addr http://127.0.0.1:8787
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8787", "Base URL of the ops server")
	flag.Parse()

	token := os.Getenv("OPS_AUTH_TOKEN")
	if token == "" {
		log.Fatal("OPS_AUTH_TOKEN is not set")
	}

	client := &http.Client{Timeout: 30 * time.Second}

	fmt.Println("Requesting emergency flatten...")
	body, err := call(client, *addr, token, http.MethodPost, "/api/flatten", nil)
	if err != nil {
		log.Fatalf("Flatten failed: %v", err)
	}
	fmt.Printf("Flatten response: %s\n", body)

	status, err := call(client, *addr, token, http.MethodGet, "/api/status", nil)
	if err != nil {
		log.Fatalf("Status read failed: %v", err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(status, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("Engine status:\n%s\n", out)
	} else {
		fmt.Printf("Engine status: %s\n", status)
	}
}

func call(client *http.Client, addr, token, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, addr+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, data)
	}
	return data, nil
}
