package main

import (
	"context"
	"errors"

	"github.com/mathopoulos/hkextract/internal/config"
	"github.com/mathopoulos/hkextract/sink"
	"github.com/mathopoulos/hkextract/source"
)

// storage is the set of sinks selected by the configuration.
type storage struct {
	sink   sink.Sink
	reader sink.Reader
	closer func() error
}

func (s *storage) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// openStorage writes to the data directory and, when configured, PostgreSQL
// and Redis. Reads are served by the last configured of file, postgres and
// redis.
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	st := &storage{}
	var sinks sink.Multi

	if cfg.DataDir != "" {
		f := sink.File{Root: cfg.DataDir}
		sinks = append(sinks, f)
		st.reader = f
	}
	if cfg.DatabaseURL != "" {
		pg, err := sink.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.closer = pg.Close
		sinks = append(sinks, pg)
		st.reader = pg
	}
	if cfg.RedisAddr != "" {
		r := sink.NewRedisAddr(cfg.RedisAddr, cfg.RedisTTL)
		sinks = append(sinks, r)
		st.reader = r
	}
	if len(sinks) == 0 {
		st.Close()
		return nil, errors.New("no sink configured: set HKX_DATA_DIR, HKX_DATABASE_URL or HKX_REDIS_ADDR")
	}

	st.sink = sinks
	if len(sinks) == 1 {
		st.sink = sinks[0]
	}
	return st, nil
}

// openSource returns an opener for local files, and S3 when withS3 is set.
func openSource(ctx context.Context, cfg *config.Config, withS3 bool) (source.Opener, error) {
	r := source.Router{File: source.File{}}
	if withS3 {
		s3, err := source.NewS3(ctx, cfg.S3Region)
		if err != nil {
			return nil, err
		}
		r.S3 = s3
	}
	return r, nil
}
