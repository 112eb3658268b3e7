package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/presbrey/chatd/chat"
	"github.com/presbrey/chatd/chat/admind"
	"github.com/presbrey/chatd/chat/config"
	"github.com/presbrey/chatd/chat/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml, toml, or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	accounts, err := store.Open(cfg.UsersFile)
	if err != nil {
		log.Fatalf("Failed to open account store: %v", err)
	}

	auth, err := store.NewAuthGate(accounts, "admin", cfg.DefaultAdminPass)
	if err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}

	server := chat.NewServer(cfg, accounts, auth)
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Server running at %s. Connect using `telnet localhost %d`.", cfg.GetListenAddress(), cfg.Port)

	var admin *admind.Server
	if cfg.AdminAddr != "" {
		admin = admind.New(server)
		go func() {
			if err := admin.Start(cfg.AdminAddr); err != nil {
				log.Printf("Admin server stopped: %v", err)
			}
		}()
		log.Printf("Admin interface on http://%s", cfg.AdminAddr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received, stopping server...")

	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Stop(ctx); err != nil {
			log.Printf("Error stopping admin server: %v", err)
		}
		cancel()
	}
	if err := server.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}
	log.Println("Server stopped. Goodbye!")
}
