package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/roomcall/internal/server"
	"github.com/Tyrowin/roomcall/internal/snapshot"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log.Println("Starting room chat signaling server...")

	config, err := server.NewConfigFromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	gateway := snapshot.New(config.DataFile)
	accountStore, roomStore := gateway.Load()
	log.Printf("Loaded %d accounts and %d rooms from %s", accountStore.Len(), roomStore.Len(), gateway.Path())

	srv := server.New(config, accountStore, roomStore, gateway)
	srv.StartHub()

	httpServer := server.CreateServer(srv.Config().Port, srv.Routes())
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// The steps share state, so they run in order inside a single operation.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"server": func(ctx context.Context) error {
				httpErr := server.ShutdownServer(ctx, httpServer)
				if err := srv.Close(shutdownTimeout); err != nil {
					return err
				}
				return httpErr
			},
		},
	)

	exitCode := <-wait
	log.Printf("Server exited with code: %d", exitCode)
	os.Exit(exitCode)
}
