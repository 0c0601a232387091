/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/config"
	"github.com/vellumlabs/vellum/lib/service"
	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/tenantdb"
	"github.com/vellumlabs/vellum/lib/utils"
)

const appHelp = `Vellum Certificate Platform

Vellum issues, stores and verifies digitally fingerprinted PDF certificates
for multiple tenant organizations from a single deployment.`

func main() {
	if err := Run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

// Run parses the command line and dispatches to the selected command.
func Run(args []string) error {
	var cf config.CLIConf
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := kingpin.New("vellum", appHelp).Interspersed(false)
	app.Flag("debug", "Verbose logging to stdout.").Short('d').BoolVar(&cf.Debug)
	app.Flag("config", "Path to the vellum.yaml config file.").Short('c').StringVar(&cf.ConfigPath)
	app.HelpFlag.Short('h')

	startCmd := app.Command("start", "Start the certificate platform: HTTP API, generation workers and the preview sweeper.")
	startCmd.Flag("listen-addr", "Address for the HTTP API to listen on.").StringVar(&cf.ListenAddr)
	startCmd.Flag("base-url", "Public base URL verification links are built from.").Envar(vellum.BaseURLEnvVar).StringVar(&cf.BaseURL)
	startCmd.Flag("database-url", "PostgreSQL connection string. Empty runs every store in memory.").StringVar(&cf.DatabaseURL)

	onboardCmd := app.Command("onboard", "Provision a customer tenant: a registry row plus a dedicated database schema.")
	onboardCmd.Flag("name", "Customer display name.").Required().StringVar(&cf.CustomerName)
	onboardCmd.Flag("domain", "Customer domain, unique across tenants.").Required().StringVar(&cf.CustomerDomain)
	onboardCmd.Flag("schema", "Tenant schema name. Derived from the domain when unset.").StringVar(&cf.CustomerSchema)
	onboardCmd.Flag("status", "Initial customer status.").Default(string(tenancy.StatusTrial)).
		EnumVar(&cf.CustomerStatus, string(tenancy.StatusTrial), string(tenancy.StatusActive), string(tenancy.StatusSuspended))
	onboardCmd.Flag("max-users", "Seat cap, 0 for unlimited.").IntVar(&cf.CustomerMaxUsers)
	onboardCmd.Flag("max-certificates", "Certificates per month cap, 0 for unlimited.").IntVar(&cf.CustomerMaxCertificates)

	versionCmd := app.Command("version", "Print the version of the vellum binary.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}

	// Logging must be configured before the config merge, which logs a
	// warning per overridden field.
	utils.InitLogger(cf.Debug)

	cfg, err := config.FromCLIConf(&cf)
	if err != nil {
		return trace.Wrap(err)
	}
	if cfg.Debug && !cf.Debug {
		// Debug came from the config file or the environment.
		utils.InitLogger(true)
	}

	switch command {
	case startCmd.FullCommand():
		err = onStart(ctx, cfg)
	case onboardCmd.FullCommand():
		err = onOnboard(ctx, cfg, &cf)
	case versionCmd.FullCommand():
		fmt.Printf("Vellum v%s %s %s/%s\n", vellum.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	default:
		// This should only happen when there's a missing switch case above.
		err = trace.BadParameter("command %q not configured", command)
	}

	return trace.Wrap(err)
}

// onStart runs the platform until the process is signaled to stop.
func onStart(ctx context.Context, cfg *config.FileConfig) error {
	svc, err := service.New(ctx, service.Config{FileConfig: cfg})
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.ErrorContext(ctx, "Failed to release service resources.", "error", err)
		}
	}()
	return trace.Wrap(svc.Run(ctx))
}

// onOnboard provisions a tenant without bringing up the rest of the
// platform: it only needs the database and the registry.
func onOnboard(ctx context.Context, cfg *config.FileConfig, cf *config.CLIConf) error {
	if cfg.Database.InMemory() {
		return trace.BadParameter("onboarding requires a database, set database.url in the config file or pass --database-url")
	}
	if err := tenantdb.MigrateUp(cfg.Database.URL); err != nil {
		return trace.Wrap(err, "running platform migrations")
	}
	pool, err := tenantdb.New(ctx, tenantdb.Config{ConnString: cfg.Database.URL})
	if err != nil {
		return trace.Wrap(err, "connecting to the database")
	}
	defer pool.Close()

	store, err := tenantdb.NewCustomerStore(pool)
	if err != nil {
		return trace.Wrap(err)
	}
	provisioner, err := tenantdb.NewSchemaProvisioner(pool)
	if err != nil {
		return trace.Wrap(err)
	}
	registry, err := tenancy.NewRegistry(tenancy.RegistryConfig{
		Store:       store,
		Provisioner: provisioner,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	customer, err := registry.Onboard(ctx, tenancy.Customer{
		Name:                    cf.CustomerName,
		Domain:                  cf.CustomerDomain,
		TenantSchema:            cf.CustomerSchema,
		Status:                  tenancy.CustomerStatus(cf.CustomerStatus),
		MaxUsers:                cf.CustomerMaxUsers,
		MaxCertificatesPerMonth: cf.CustomerMaxCertificates,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Onboarded customer %q: id %d, tenant schema %q, status %s.\n",
		customer.Name, customer.ID, customer.TenantSchema, customer.Status)
	return nil
}
