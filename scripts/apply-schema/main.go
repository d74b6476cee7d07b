// apply-schema creates the tables and columns declared in a YAML file for one
// tenant. Tables and columns that already exist are left untouched.
//
// Usage: go run ./scripts/apply-schema --file tables.yaml --tenant <uuid>
//
// Database connection: uses the same PG* environment variables as the server.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/audit"
	"github.com/ekaya-inc/ekaya-tables/pkg/config"
	"github.com/ekaya-inc/ekaya-tables/pkg/database"
	"github.com/ekaya-inc/ekaya-tables/pkg/lock"
	"github.com/ekaya-inc/ekaya-tables/pkg/logging"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/repositories"
	"github.com/ekaya-inc/ekaya-tables/pkg/services"
)

var (
	schemaPath string
	tenantFlag string
	actor      string
	dryRun     bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "apply-schema",
	Short:        "Create missing tables and columns from a YAML definition file",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&schemaPath, "file", "f", "", "YAML table definition file")
	rootCmd.Flags().StringVarP(&tenantFlag, "tenant", "t", "", "Tenant ID the tables belong to")
	rootCmd.Flags().StringVar(&actor, "actor", "apply-schema", "Actor recorded in the change log")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without applying it")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	_ = rootCmd.MarkFlagRequired("file")
	_ = rootCmd.MarkFlagRequired("tenant")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	tenantID, err := uuid.Parse(tenantFlag)
	if err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	file, err := os.Open(schemaPath)
	if err != nil {
		return err
	}
	defer file.Close()

	definitions, err := parseSchemaFile(file)
	if err != nil {
		return err
	}

	logger, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load("apply-schema")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: 2,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %s", logging.SanitizeError(err))
	}
	defer db.Close()

	schemaService := services.NewSchemaService(
		repositories.NewMetadataRepository(),
		repositories.NewChangeLogRepository(),
		lock.NewCoordinator(cfg.Locks, logger),
		audit.NewSecurityAuditor(logger),
		services.NewTenantContextFunc(db),
		cfg.Engine,
		logger,
	)

	a := &applier{schema: schemaService, logger: logger.Named("apply"), dryRun: dryRun}
	res, err := a.apply(models.WithCLIProvenance(ctx, actor), tenantID, definitions)
	if res != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "tables created: %d, columns added: %d, unchanged: %d\n",
			res.TablesCreated, res.ColumnsAdded, res.TablesUnchanged)
	}
	return err
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
