package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"

	"github.com/streamdeck/core/identity"
	"github.com/streamdeck/core/persistence"
	"github.com/streamdeck/core/pkg/config"
	"github.com/streamdeck/core/pkg/logging"
	"github.com/streamdeck/core/registry"
)

type options struct {
	logging.Config
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	logging.Setup(opts.Config)

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed while loading config")
	}

	id, err := identity.Load(cfg.IdentityKeyDir)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed while preparing identity")
	}
	fingerprint, err := id.Fingerprint()
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed while computing identity fingerprint")
	}

	fmt.Printf("Client UUID:     %s\n", cfg.ClientUUID)
	fmt.Printf("Client Name:     %s\n", cfg.ClientName)
	fmt.Printf("Fingerprint:     %s\n", fingerprint)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed while resolving data directory")
	}
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := persistence.Open(dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("database close failed")
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	reg, err := registry.New(cfg.Registry, cfg.Discovery, id, store)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed while constructing host registry")
	}
	if err := reg.StartPolling(); err != nil {
		log.Fatal().Err(err).Msg("startup failed while starting host discovery")
	}
	defer reg.StopPollingAsync()

	fmt.Println("Discovery:       running")
	go logRegistryEvents(reg.Events())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	reg.Shutdown()
}

func logRegistryEvents(events <-chan registry.HostEvent) {
	for ev := range events {
		switch ev.Kind {
		case registry.EventHostStateChanged:
			log.Info().Str("uuid", ev.Host.UUID).Str("name", ev.Host.Name).
				Str("reachability", ev.Host.Reachability.String()).
				Str("pair_state", ev.Host.PairState.String()).
				Msg("host state changed")
		case registry.EventHostAddCompleted:
			log.Info().Bool("success", ev.Success).Ints("blocked_ports", ev.SuspectedPortBlocking).
				Str("uuid", ev.Host.UUID).Msg("host add completed")
		case registry.EventPairingCompleted:
			log.Info().Err(ev.Err).Str("uuid", ev.Host.UUID).Msg("pairing completed")
		case registry.EventQuitAppCompleted:
			log.Info().Err(ev.Err).Str("uuid", ev.Host.UUID).Msg("quit app completed")
		}
	}
}
