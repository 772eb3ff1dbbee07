package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/replicator"
)

func ddlCmd() *cobra.Command {
	var (
		orgKey    string
		tableName string
	)

	cmd := &cobra.Command{
		Use:   "ddl <service-type>",
		Short: "Print the CREATE TABLE statements for a service type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			zl, logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()

			evaluator := expressions.NewEvaluator()
			registry, err := newRegistry(cfg, evaluator, logger)
			if err != nil {
				return err
			}
			typ, ok := registry.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown service type %s", args[0])
			}

			org := &models.Organization{ID: uuid.New(), Key: orgKey, ReplicationSchema: "fern_" + orgKey}
			si := &models.ServiceIntegration{
				ID:             uuid.New(),
				OpaqueID:       models.NewOpaqueID(),
				OrganizationID: org.ID,
				ServiceName:    args[0],
				TableName:      tableName,
			}
			if si.TableName == "" {
				si.TableName = args[0]
			}

			sql, err := replicator.New(typ, si, org, replicator.Options{Evaluator: evaluator, Logger: logger}).CreateTableSQL()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sql)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgKey, "org", "example", "organization key the schema name is derived from")
	cmd.Flags().StringVar(&tableName, "table", "", "table name (defaults to the service type)")
	return cmd
}
