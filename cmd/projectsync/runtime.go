package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/projectsync/internal/blobstore"
	"github.com/agentworkforce/projectsync/internal/cache"
	"github.com/agentworkforce/projectsync/internal/config"
	"github.com/agentworkforce/projectsync/internal/docstore"
	"github.com/agentworkforce/projectsync/internal/httpapi"
	"github.com/agentworkforce/projectsync/internal/logging"
	"github.com/agentworkforce/projectsync/internal/opqueue"
	"github.com/agentworkforce/projectsync/internal/projectsync"
	"github.com/agentworkforce/projectsync/internal/retry"
)

type runtime struct {
	cfg       config.Config
	logger    zerolog.Logger
	logCloser io.Closer
}

// loadRuntime resolves config for cmd. extra binds command-local flags to
// config keys on top of the persistent ones.
func loadRuntime(cmd *cobra.Command, extra map[string]string) (*runtime, error) {
	v := config.New()
	bindings := map[string]*pflag.Flag{}
	for name, key := range flagKeys {
		bindings[key] = cmd.Flag(name)
	}
	for name, key := range extra {
		bindings[key] = cmd.Flag(name)
	}
	if err := config.BindFlags(v, bindings); err != nil {
		return nil, err
	}
	var path string
	if f := cmd.Flag("config"); f != nil {
		path = f.Value.String()
	}
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, logCloser: closer}, nil
}

func (rt *runtime) Close() error {
	if rt.logCloser == nil {
		return nil
	}
	return rt.logCloser.Close()
}

func (rt *runtime) authenticator(requireOwner bool) (projectsync.Authenticator, error) {
	owner := strings.TrimSpace(rt.cfg.Engine.Owner)
	if owner == "" {
		if requireOwner {
			return nil, errors.New("an owner is required: pass --owner or set engine.owner")
		}
		return projectsync.RequestIdentity{}, nil
	}
	return projectsync.RequestIdentity{Fallback: projectsync.StaticIdentity(owner)}, nil
}

// openEngine wires the configured stores into an engine. Everything opened
// along the way is released again when a later step fails.
func (rt *runtime) openEngine(ctx context.Context, requireOwner bool) (*projectsync.Engine, error) {
	cfg := rt.cfg
	auth, err := rt.authenticator(requireOwner)
	if err != nil {
		return nil, err
	}

	var cleanup []io.Closer
	fail := func(err error) (*projectsync.Engine, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i].Close()
		}
		return nil, err
	}

	store, err := blobstore.Open(ctx, cfg.Blob.DSN)
	if err != nil {
		return nil, err
	}
	blobs := blobstore.NewAdapter(store, blobstore.Options{
		MaxAttempts:     cfg.Blob.MaxAttempts,
		MaxObjectBytes:  cfg.Blob.MaxObjectBytes,
		SnapshotsKept:   cfg.Blob.SnapshotsKept,
		ValidateUploads: cfg.Blob.ValidateUploads,
		Logger:          rt.logger.With().Str("component", "blobstore").Logger(),
	})

	var schema string
	if path := strings.TrimSpace(cfg.Docs.FieldsSchemaFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fields schema: %w", err)
		}
		schema = string(data)
	}
	remote, err := docstore.Open(cfg.Docs.DSN, cfg.Docs.Token)
	if err != nil {
		return nil, err
	}
	docs, err := docstore.NewAdapter(remote, blobs, docstore.Options{
		InlineThresholdBytes: cfg.Docs.InlineThresholdBytes,
		HardLimitBytes:       cfg.Docs.HardLimitBytes,
		BatchLimit:           cfg.Docs.BatchLimit,
		SnapshotsKept:        cfg.Blob.SnapshotsKept,
		ValidateUploads:      cfg.Blob.ValidateUploads,
		FieldsSchema:         schema,
		Retry: retry.Policy{
			MaxAttempts: cfg.Docs.MaxAttempts,
			BaseDelay:   cfg.Docs.RetryBaseDelay,
		},
		Logger: rt.logger.With().Str("component", "docstore").Logger(),
	})
	if err != nil {
		if closer, ok := remote.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, err
	}
	cleanup = append(cleanup, docs)

	backend, err := opqueue.OpenBackend(cfg.Queue.DSN)
	if err != nil {
		return fail(err)
	}
	queue, err := opqueue.Open(opqueue.Options{
		Backend:     backend,
		Capacity:    cfg.Queue.Capacity,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Logger:      rt.logger.With().Str("component", "opqueue").Logger(),
	})
	if err != nil {
		_ = backend.Close()
		return fail(err)
	}
	cleanup = append(cleanup, queue)

	var spill cache.Spill
	if path := strings.TrimSpace(cfg.Cache.SpillPath); path != "" {
		s, err := cache.OpenSQLiteSpill(path)
		if err != nil {
			return fail(err)
		}
		spill = s
	}
	c, err := cache.Open(cache.Options{
		MaxBytes:      cfg.Cache.MaxBytes,
		DefaultTTL:    cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Spill:         spill,
		Logger:        rt.logger.With().Str("component", "cache").Logger(),
	})
	if err != nil {
		if spill != nil {
			_ = spill.Close()
		}
		return fail(err)
	}
	cleanup = append(cleanup, c)

	var snapshots projectsync.SnapshotStore = projectsync.NewMemorySnapshots()
	if dir := strings.TrimSpace(cfg.Engine.SnapshotDir); dir != "" {
		fs, err := projectsync.NewFileSnapshots(dir)
		if err != nil {
			return fail(err)
		}
		snapshots = fs
	}

	engine, err := projectsync.Open(projectsync.Options{
		Documents:       docs,
		Blobs:           blobs,
		Queue:           queue,
		Cache:           c,
		Snapshots:       snapshots,
		Auth:            auth,
		AuthTimeout:     cfg.Engine.AuthTimeout,
		SaveTimeout:     cfg.Engine.SaveTimeout,
		CacheTTL:        cfg.Cache.TTL,
		ProcessInterval: cfg.Engine.ProcessInterval,
		RemoteTimeout:   cfg.Engine.RemoteTimeout,
		Logger:          rt.logger,
	})
	if err != nil {
		return fail(err)
	}
	return engine, nil
}

func (rt *runtime) httpConfig() httpapi.ServerConfig {
	h := rt.cfg.HTTP
	return httpapi.ServerConfig{
		JWTSecret:       h.JWTSecret,
		RateLimitMax:    h.RateLimitMax,
		RateLimitWindow: h.RateLimitWindow,
		MaxBodyBytes:    h.MaxBodyBytes,
		OriginPatterns:  h.OriginPatterns,
		Logger:          rt.logger.With().Str("component", "http").Logger(),
	}
}
