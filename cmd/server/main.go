package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailtide/mailtide/internal/api"
	"github.com/mailtide/mailtide/internal/config"
	"github.com/mailtide/mailtide/internal/crypto"
	"github.com/mailtide/mailtide/internal/db"
	"github.com/mailtide/mailtide/internal/imapengine"
	ws "github.com/mailtide/mailtide/internal/websocket"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	store := db.NewStore(pool)

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("failed to initialize encryption: %v", err)
	}

	hub := ws.NewHub(10)
	engine := imapengine.New(store, encryptor)

	engine.SetNewMailHandler(func(accountID, folderID string, inserted int) {
		payload, err := json.Marshal(map[string]any{
			"type":      "new_mail",
			"accountId": accountID,
			"folderId":  folderID,
			"count":     inserted,
		})
		if err != nil {
			log.Printf("server: failed to marshal new_mail event: %v", err)
			return
		}
		hub.Send(accountID, payload)
	})

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		log.Fatalf("failed to list accounts: %v", err)
	}
	for _, account := range accounts {
		if !engine.Connect(ctx, account.ID) {
			log.Printf("server: account %s not connected at startup", account.ID)
			continue
		}
		if _, err := engine.ListAndSyncFolders(ctx, account.ID); err != nil {
			log.Printf("server: folder sync failed for account %s: %v", account.ID, err)
		}
		if err := engine.SyncNewEmails(ctx, account.ID, "INBOX"); err != nil {
			log.Printf("server: initial sync failed for account %s: %v", account.ID, err)
		}
		go engine.StartIdle(ctx, account.ID, "INBOX")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/ws", api.NewWSHandler(hub))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		log.Printf("server: listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("server: shutting down")
	cancel()
	engine.DisconnectAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: shutdown error: %v", err)
	}
}
