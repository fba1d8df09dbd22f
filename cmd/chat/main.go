package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/peterh/liner"

	"aichat/internal/authsession"
	"aichat/internal/bootstrap"
	"aichat/internal/console"
)

func main() {
	ctx := context.Background()

	app, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("close resources failed: %v", err)
		}
	}()

	dir := stateDir()
	authClient := app.Backend.NewAuthClient()
	console.RestoreSession(ctx, authClient, filepath.Join(dir, "session"))
	stopPersist := console.PersistSession(authClient, filepath.Join(dir, "session"))
	defer stopPersist()

	manager := authsession.NewManager(authClient, nil)
	manager.Start(ctx)
	defer manager.Stop()

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	historyFile := filepath.Join(dir, "history")
	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		saveHistory(line, historyFile)
		line.Close()
	}()

	c := console.New(line, os.Stdout, manager, app.Data, app.Gateway, app.ChatOptions())
	defer c.Close()

	// Ctrl+C while a reply streams cancels the reply; at the prompt liner
	// handles it.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if c.Interrupt() {
				fmt.Fprintln(os.Stderr, "\n[Cancelled]")
			}
		}
	}()

	if err := c.Run(ctx); err != nil {
		log.Printf("console stopped: %v", err)
	}
}

func stateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "aichat")
}

func saveHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = line.WriteHistory(f)
}
