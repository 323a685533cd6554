package connectors

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Connector copies a finished artifact to an external target (object store, file server).
type Connector interface {
	Name() string
	StoreArtifact(ctx context.Context, key, localPath string) error
}

// LoadFromEnv instantiates connectors declared in the CONNECTORS env variable.
func LoadFromEnv(ctx context.Context, logger zerolog.Logger) []Connector {
	raw := os.Getenv("CONNECTORS")
	if raw == "" {
		return nil
	}
	var instances []Connector
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(strings.ToLower(token))
		if token == "" {
			continue
		}
		var (
			conn Connector
			err  error
		)
		switch token {
		case "s3":
			conn, err = NewS3Connector(ctx)
		case "azure":
			conn, err = NewAzureBlobConnector(ctx)
		case "sftp":
			conn, err = NewSFTPConnector()
		case "ftps":
			conn, err = NewFTPSConnector()
		default:
			err = fmt.Errorf("unknown connector %q", token)
		}
		if err != nil {
			logger.Error().Err(err).Str("connector", token).Msg("failed to init connector")
			continue
		}
		logger.Info().Str("connector", conn.Name()).Msg("initialized connector")
		instances = append(instances, conn)
	}
	return instances
}

// StrictFromEnv reads CONNECTOR_STRICT; replication is best effort unless it is true.
func StrictFromEnv() bool {
	if v := os.Getenv("CONNECTOR_STRICT"); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return false
}

// Publisher fans a converted file out to every configured connector.
type Publisher struct {
	connectors []Connector
	strict     bool
	logger     zerolog.Logger
}

func NewPublisher(conns []Connector, strict bool, logger zerolog.Logger) *Publisher {
	return &Publisher{
		connectors: conns,
		strict:     strict,
		logger:     logger.With().Str("component", "publisher").Logger(),
	}
}

// Publish stores localPath under "<id>/<file name>" on every connector. In
// strict mode the first failure is returned; otherwise failures are only
// logged.
func (p *Publisher) Publish(ctx context.Context, id, localPath string) error {
	if p == nil {
		return nil
	}
	key := artifactKey(id, localPath)
	for _, conn := range p.connectors {
		if err := conn.StoreArtifact(ctx, key, localPath); err != nil {
			p.logger.Error().
				Err(err).
				Str("connector", conn.Name()).
				Str("request_id", id).
				Msg("connector failed to store artifact")
			if p.strict {
				return fmt.Errorf("connector %s artifact: %w", conn.Name(), err)
			}
			continue
		}
		p.logger.Debug().Str("connector", conn.Name()).Str("key", key).Msg("artifact replicated")
	}
	return nil
}

// Len reports how many connectors are configured.
func (p *Publisher) Len() int {
	if p == nil {
		return 0
	}
	return len(p.connectors)
}

func artifactKey(id, localPath string) string {
	return path.Join(id, filepath.Base(localPath))
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
