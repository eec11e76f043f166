// Bootstraps provider tokens for the E2E suite. Runs the consent flow and
// writes the token into .testdata/ instead of the production token dir.
//
// Usage: go run ./cmd/integration-bootstrap --provider withings
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/callback"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/config"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/credstore"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/session"
)

func main() {
	name := flag.String("provider", "withings", "provider to log in to")
	out := flag.String("out", ".testdata", "directory receiving the token file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *name, *out); err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, name, out string) error {
	logger := slog.Default()

	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{})
	if err != nil {
		return err
	}

	p, err := cfg.Catalog.Lookup(name)
	if err != nil {
		return err
	}

	if !p.HasCredentials() {
		idVar, secretVar := config.CredentialVars(p.Name)

		return fmt.Errorf("%s: set %s and %s: %w", p.Name, idVar, secretVar, session.ErrNoCredentials)
	}

	tokenPath := filepath.Join(out, config.TokenFileName(p.Name))
	store := credstore.NewRegistry(credstore.WithLogger(logger)).Store(tokenPath)

	d, err := session.New(p, store,
		session.WithLogger(logger),
		session.WithAuthorizer(&session.BrowserAuthorizer{
			Listen: callback.ListenConfig{BasePort: cfg.CallbackPort, PortRange: cfg.CallbackPortRange},
			Logger: logger,
		}),
	)
	if err != nil {
		return err
	}

	if err := d.Authenticate(ctx); err != nil {
		return err
	}

	fmt.Printf("Login successful. Token saved to %s.\n", tokenPath)

	return nil
}
