// streamdeck-coreutil is a diagnostic command-line front end over this
// module's core: manual host discovery, add, and pairing, useful for
// exercising the protocol without a full streaming client attached.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

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

	List  listCommand  `command:"list" description:"List known hosts"`
	Add   addCommand   `command:"add" description:"Add a host by address and wait for the result"`
	Pair  pairCommand  `command:"pair" description:"Pair with a host using the given PIN"`
}

func main() {
	parser := flags.NewParser(&rootOptions, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func setup(cfg logging.Config) (*registry.Registry, func(), error) {
	logging.Setup(cfg)

	appCfg, _, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	id, err := identity.Load(appCfg.IdentityKeyDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve data dir: %w", err)
	}
	store, _, err := persistence.Open(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	reg, err := registry.New(appCfg.Registry, appCfg.Discovery, id, store)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("construct registry: %w", err)
	}

	cleanup := func() {
		reg.Shutdown()
		store.Close()
	}
	return reg, cleanup, nil
}

type listCommand struct{}

func (c *listCommand) Execute(args []string) error {
	reg, cleanup, err := setup(rootOptions.Config)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := reg.StartPolling(); err != nil {
		return err
	}
	time.Sleep(3 * time.Second)
	reg.StopPollingAsync()

	for _, h := range reg.GetHosts() {
		fmt.Printf("%-36s  %-20s  %-10s  %-10s  %s\n", h.UUID, h.Name, h.Reachability, h.PairState, h.Addresses.ActiveAddress)
	}
	return nil
}

type addCommand struct {
	Args struct {
		Address string `positional-arg-name:"address" required:"true"`
	} `positional-args:"yes"`
}

func (c *addCommand) Execute(args []string) error {
	reg, cleanup, err := setup(rootOptions.Config)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := reg.AddHostManually(c.Args.Address); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-reg.Events():
			if ev.Kind == registry.EventHostAddCompleted {
				fmt.Printf("add completed: success=%v uuid=%s blocked_ports=%v\n", ev.Success, ev.Host.UUID, ev.SuspectedPortBlocking)
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for add-host result")
		}
	}
}

type pairCommand struct {
	Args struct {
		UUID string `positional-arg-name:"uuid" required:"true"`
		PIN  string `positional-arg-name:"pin" required:"true"`
	} `positional-args:"yes"`
}

func (c *pairCommand) Execute(args []string) error {
	reg, cleanup, err := setup(rootOptions.Config)
	if err != nil {
		return err
	}
	defer cleanup()

	reg.PairHost(c.Args.UUID, c.Args.PIN)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case ev := <-reg.Events():
		if ev.Kind == registry.EventPairingCompleted {
			if ev.Err != nil {
				log.Error().Err(ev.Err).Msg("pairing failed")
				return ev.Err
			}
			fmt.Printf("paired: uuid=%s\n", ev.Host.UUID)
			return nil
		}
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for pairing result")
	}
	return nil
}

// rootOptions gives subcommands access to the ambient log flags parsed
// on the top-level options struct, mirroring go-flags' recommended
// pattern for sharing global flags with Commander implementations.
var rootOptions options
