// Command skillmesh runs the call core standalone: relay node, session
// store, call manager, and the localhost API the page UI consumes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/skillmesh"
)

func main() {
	var (
		cfgPath = flag.String("config", "config.json", "path to the config file")
		userID  = flag.String("user", "", "user id (used when the config file is created fresh)")
		addr    = flag.String("addr", "127.0.0.1:7780", "localhost API listen address")
	)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := skillmesh.New(ctx, skillmesh.Options{
		ConfigPath: *cfgPath,
		UserID:     *userID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "skillmesh: %v\n", err)
		os.Exit(1)
	}

	logs := client.CaptureLogs(500)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	if node := client.Node(); node != nil {
		log.Printf("RELAY: id %s", node.ID())
		for _, a := range node.Addrs() {
			log.Printf("RELAY: listening on %s", a)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- client.Serve(*addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("VIEWER: server stopped: %v", err)
	case sig := <-sigCh:
		log.Printf("shutting down on %s", sig)
	}

	if err := client.Close(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
