package main

import (
	"flag"
	"log"
	"os"

	"github.com/bcrosbie/personaliz/internal/client"
	"github.com/bcrosbie/personaliz/internal/tui"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", envOr("PERSONALIZ_GRPC_ADDR", client.DefaultAddr), "gRPC address")
	token := flag.String("token", os.Getenv("PERSONALIZ_AUTH_TOKEN"), "shared auth token for write actions")
	insecure := flag.Bool("insecure", false, "disable TLS for non-loopback addresses")
	flag.Parse()

	hub, err := client.New(client.Options{Addr: *addr, Token: *token, Insecure: *insecure})
	if err != nil {
		log.Fatalf("dial error: %v", err)
	}
	defer hub.Close()

	if err := tui.Run(hub); err != nil {
		log.Fatalf("%v", err)
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
