package di

import (
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/bayes"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/engine"
	"github.com/mikey/mail-triage/internal/factory"
	"github.com/mikey/mail-triage/internal/features"
	"github.com/mikey/mail-triage/internal/logging"
	"github.com/mikey/mail-triage/internal/workflow"
)

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewSnapshotFactory); err != nil {
		return nil, err
	}

	// Register action store
	if err := container.Provide(func(f *factory.StoreFactory) (core.ActionStore, error) {
		return f.CreateActionStore()
	}); err != nil {
		return nil, err
	}

	// Register snapshot store and flush interval
	if err := container.Provide(func(f *factory.SnapshotFactory) (core.SnapshotStore, error) {
		return f.CreateSnapshotStore()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.SnapshotFactory) (time.Duration, error) {
		return f.GetFlushInterval()
	}); err != nil {
		return nil, err
	}

	// Register feature extractor
	if err := container.Provide(features.NewExtractor); err != nil {
		return nil, err
	}

	// Register prediction model at the extractor's schema version
	if err := container.Provide(func(logger *zap.Logger) *bayes.Model {
		return bayes.New(features.SchemaVersion, logger)
	}); err != nil {
		return nil, err
	}

	// Register learning engine
	if err := container.Provide(engine.New); err != nil {
		return nil, err
	}

	// Register workflow state machine
	if err := container.Provide(workflow.New); err != nil {
		return nil, err
	}

	return container, nil
}
