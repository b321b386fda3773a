// pkg/connector/factory.go
package connector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
)

// ConnectorFactory creates database connectors.
type ConnectorFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewConnectorFactory creates a new connector factory.
func NewConnectorFactory(cfg *config.Config, logger *zap.Logger) *ConnectorFactory {
	return &ConnectorFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateSourceConnector creates the connector for the production source.
func (f *ConnectorFactory) CreateSourceConnector(ctx context.Context) (*PostgresConnector, error) {
	f.logger.Info("Creating source connector")

	conn, err := NewPostgresConnector(ctx, "source", f.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to create source connector: %w", err)
	}
	return conn, nil
}

// CreateTargetConnector creates the connector for the training target.
func (f *ConnectorFactory) CreateTargetConnector(ctx context.Context) (*PostgresConnector, error) {
	f.logger.Info("Creating target connector")

	conn, err := NewPostgresConnector(ctx, "target", f.cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to create target connector: %w", err)
	}
	return conn, nil
}

// CreateControlConnector creates the connector for sync state. The control
// database defaults to the target's server when not configured separately.
func (f *ConnectorFactory) CreateControlConnector(ctx context.Context) (*PostgresConnector, error) {
	f.logger.Info("Creating control connector")

	cfg := f.cfg.Control
	if cfg == nil {
		cfg = f.cfg.Target
	}
	conn, err := NewPostgresConnector(ctx, "control", cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create control connector: %w", err)
	}
	return conn, nil
}

// CreateAllConnectors creates both source and target connectors.
func (f *ConnectorFactory) CreateAllConnectors(ctx context.Context) (*PostgresConnector, *PostgresConnector, error) {
	sourceConn, err := f.CreateSourceConnector(ctx)
	if err != nil {
		return nil, nil, err
	}

	targetConn, err := f.CreateTargetConnector(ctx)
	if err != nil {
		sourceConn.Close() // Clean up the source connection if the target fails
		return nil, nil, err
	}

	return sourceConn, targetConn, nil
}
