// Package main trips or resets the manual kill switch through the ops
// API. Tripping stops new entries and makes the watchdog flatten the
// book on its next cycle; reset requires an explicit operator action.
//
// Usage:
//
//	export OPS_AUTH_TOKEN="your_token_here"
//	go run scripts/killswitch/main.go -action trip
//	go run scripts/killswitch/main.go -action reset
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8787", "Base URL of the ops server")
	action := flag.String("action", "", "trip or reset")
	flag.Parse()

	if *action != "trip" && *action != "reset" {
		log.Fatal("-action must be trip or reset")
	}
	token := os.Getenv("OPS_AUTH_TOKEN")
	if token == "" {
		log.Fatal("OPS_AUTH_TOKEN is not set")
	}

	payload := strings.NewReader(fmt.Sprintf(`{"action":%q}`, *action))
	req, err := http.NewRequest(http.MethodPost, *addr+"/api/kill-switch", payload)
	if err != nil {
		log.Fatalf("Building request: %v", err)
	}
	req.Header.Set("X-Auth-Token", token)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Kill switch %s failed: %s: %s", *action, resp.Status, body)
	}
	fmt.Printf("Kill switch %s acknowledged: %s\n", *action, body)
}
