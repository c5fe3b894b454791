package adx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-kusto-go/kusto"
	"github.com/Azure/azure-kusto-go/kusto/ingest"
	"github.com/Azure/azure-kusto-go/kusto/kql"

	"bodsch.me/logstream-ingest/internal/config"
)

// Ingestor hands a serialized batch to a Kusto ingestion channel.
type Ingestor interface {
	FromReader(ctx context.Context, reader io.Reader, options ...ingest.FileOption) (*ingest.Result, error)
	Close() error
}

// Client owns the Kusto connections for one destination database.
type Client struct {
	cfg    config.KustoConfig
	engine *kusto.Client
	dm     *kusto.Client
}

// Dial connects to the engine endpoint, and to the data management endpoint in queued mode.
func Dial(cfg config.KustoConfig) (*Client, error) {
	engine, err := kusto.New(connectionString(cfg, cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("connect kusto %s: %w", cfg.Endpoint, err)
	}
	c := &Client{cfg: cfg, engine: engine}

	if strings.EqualFold(cfg.Mode, config.KustoModeQueued) {
		endpoint := cfg.IngestEndpoint
		if endpoint == "" {
			endpoint = IngestEndpoint(cfg.Endpoint)
		}
		dm, err := kusto.New(connectionString(cfg, endpoint))
		if err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("connect kusto ingest endpoint %s: %w", endpoint, err)
		}
		c.dm = dm
	}
	return c, nil
}

// RunCommand executes a management command against the configured database.
func (c *Client) RunCommand(ctx context.Context, command string) error {
	iter, err := c.engine.Mgmt(ctx, c.cfg.Database, kql.New("").AddUnsafe(command))
	if err != nil {
		return err
	}
	iter.Stop()
	return nil
}

// Streaming reports whether batches are sent through the streaming ingestion endpoint.
func (c *Client) Streaming() bool {
	mode := strings.ToLower(c.cfg.Mode)
	return mode == "" || mode == config.KustoModeDirect
}

// NewIngestor returns the ingestor for the configured transfer mode.
func (c *Client) NewIngestor() (Ingestor, error) {
	switch strings.ToLower(c.cfg.Mode) {
	case config.KustoModeQueued:
		in, err := ingest.New(c.dm, c.cfg.Database, c.cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("create queued ingestor: %w", err)
		}
		return in, nil
	case "", config.KustoModeDirect:
		in, err := ingest.NewStreaming(c.engine, c.cfg.Database, c.cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("create streaming ingestor: %w", err)
		}
		return in, nil
	default:
		return nil, fmt.Errorf("unsupported kusto transfer mode %q", c.cfg.Mode)
	}
}

// Close releases both connections.
func (c *Client) Close() error {
	var errs []error
	if c.dm != nil {
		errs = append(errs, c.dm.Close())
	}
	errs = append(errs, c.engine.Close())
	return errors.Join(errs...)
}

// IngestEndpoint derives the data management endpoint from an engine endpoint
// (https://cluster.region.kusto.windows.net -> https://ingest-cluster.region.kusto.windows.net).
func IngestEndpoint(endpoint string) string {
	scheme, host, ok := strings.Cut(endpoint, "://")
	if !ok {
		return "ingest-" + endpoint
	}
	if strings.HasPrefix(host, "ingest-") {
		return endpoint
	}
	return scheme + "://ingest-" + host
}

func connectionString(cfg config.KustoConfig, endpoint string) *kusto.ConnectionStringBuilder {
	kcsb := kusto.NewConnectionStringBuilder(endpoint)
	switch strings.ToLower(cfg.Auth) {
	case config.KustoAuthAppKey:
		return kcsb.WithAadAppKey(cfg.ClientID, cfg.ClientSecret, cfg.TenantID)
	case config.KustoAuthAzCLI:
		return kcsb.WithAzCli()
	default:
		return kcsb.WithDefaultAzureCredential()
	}
}
