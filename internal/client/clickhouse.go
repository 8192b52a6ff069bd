package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig are the connection parameters a warehouse
// destination carries in its config blob.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Secure   bool
}

type ClickHouseClient struct {
	conn driver.Conn
	cfg  ClickHouseConfig
}

func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	client := &ClickHouseClient{cfg: cfg} //nolint:exhaustruct // conn set below

	err := client.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return client, nil
}

func (c *ClickHouseClient) connect(ctx context.Context) error {
	err := c.Close()
	if err != nil {
		return fmt.Errorf("failed to close existing connection: %w", err)
	}

	var tlsConfig *tls.Config
	if c.cfg.Secure {
		tlsConfig = &tls.Config{ //nolint:exhaustruct //optionals
			MinVersion: tls.VersionTLS12,
		}
	}

	chConn, err := clickhouse.Open(&clickhouse.Options{ //nolint:exhaustruct //optionals
		Addr:     []string{c.cfg.Host + ":" + c.cfg.Port},
		Protocol: clickhouse.Native,
		TLS:      tlsConfig,
		Auth: clickhouse.Auth{ //nolint:exhaustruct //optionals
			Database: c.cfg.Database,
			Username: c.cfg.Username,
			Password: c.cfg.Password,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = chConn.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	c.conn = chConn
	return nil
}

func (c *ClickHouseClient) Reconnect(ctx context.Context) error {
	err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconnect to ClickHouse: %w", err)
	}

	return nil
}

func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("clickhouse client is not connected")
	}

	batch, err := c.conn.PrepareBatch(ctx, query, driver.WithReleaseConnection())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare batch: %w", err)
	}

	return batch, nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	if c.conn == nil {
		return fmt.Errorf("clickhouse client is not connected")
	}

	err := c.conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec query: %w", err)
	}

	return nil
}

func (c *ClickHouseClient) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	return c.conn.QueryRow(ctx, query, args...)
}

func (c *ClickHouseClient) Ping(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("clickhouse client is not connected")
	}

	err := c.conn.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping clickhouse: %w", err)
	}

	return nil
}

func (c *ClickHouseClient) GetDatabase() string {
	return c.cfg.Database
}

func (c *ClickHouseClient) Close() error {
	if c.conn != nil {
		err := c.conn.Close()
		if err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
	}
	c.conn = nil
	return nil
}
