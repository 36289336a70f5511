package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/persistence/memory"
	"github.com/dukex/courier/pkg/registry"
	"github.com/dukex/courier/pkg/services"
	"github.com/dukex/courier/pkg/workflow"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

func validate(ctx context.Context, command *cli.Command) error {
	logger := log.FromContext(ctx)
	dir := command.String("workflows-dir")

	definitions, err := workflow.LoadDefinitions(dir)
	if err != nil {
		return err
	}

	nodeRegistry, err := registry.New()
	if err != nil {
		return err
	}

	service := services.NewWorkflow(memory.NewPersistence(), nodeRegistry, validator.New(validator.WithRequiredStructEnabled()), logger)

	var errs []error

	for _, definition := range definitions {
		if err := service.Validate(definition); err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", definition.ID, err))

			continue
		}

		logger.InfoContext(ctx, "workflow definition is valid", "workflow_id", definition.ID, "nodes", len(definition.Nodes))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	logger.InfoContext(ctx, "all workflow definitions are valid", "dir", dir, "count", len(definitions))

	return nil
}
