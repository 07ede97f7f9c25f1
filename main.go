package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/natan-dot-com/catboxd/internal/netio"
	"github.com/natan-dot-com/catboxd/internal/pollreg"
	"github.com/natan-dot-com/catboxd/internal/wire"
)

func main() {
	args, err := getArgs()
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(args.ConfigFile)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
	if args.PortSet {
		cfg.Port = args.Port
	}

	listener, err := netio.Listen(cfg.Port)
	if err != nil {
		log.Printf("listen on port %d: %v", cfg.Port, err)
		os.Exit(1)
	}
	defer func() { _ = listener.Close() }()

	reg, err := pollreg.New()
	if err != nil {
		log.Printf("create poll registry: %v", err)
		os.Exit(1)
	}
	defer func() { _ = reg.Close() }()

	server, err := NewServer(&cfg, listener, reg)
	if err != nil {
		log.Printf("create server: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		server.RequestShutdown()
	}()

	log.Printf("%s listening on port %d (max frame %d bytes)", cfg.ServerName, cfg.Port, wire.MaxLineLength)

	for !server.ShuttingDown() {
		if err := server.RunOnce(); err != nil {
			if err == pollreg.ErrInterrupted {
				continue
			}
			log.Printf("event loop: %v", err)
			os.Exit(1)
		}
	}

	log.Printf("shutting down")
}
