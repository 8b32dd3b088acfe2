package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"taxreply/internal/catalog"
	"taxreply/internal/chunkstore"
	"taxreply/internal/config"
	"taxreply/internal/redis"
	"taxreply/internal/retrieval"
	"taxreply/internal/storage"
	"taxreply/internal/worker"
)

// app holds the shared dependencies of every command.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	dialect  storage.Dialect
	cache    *redis.Client
	catalog  *catalog.Catalog
	settings *catalog.Settings
	chunks   *chunkstore.Store
	lexical  *retrieval.LexicalIndex
	semantic retrieval.SemanticBackend
	indexer  *worker.Indexer
}

func openApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dbType := cfg.BasicConfig.DBType
	dialect, err := storage.ParseDialect(dbType)
	if err != nil {
		return nil, err
	}
	log.Printf("dbType: %s", dialect)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	a := &app{cfg: cfg, db: db, dialect: dialect, catalog: catalog.New(db)}

	cipher, err := catalog.NewSecretCipherFromEnv(cfg.Secrets.KeyEnv)
	if err != nil {
		if !errors.Is(err, catalog.ErrNoSecretKey) {
			a.close()
			return nil, err
		}
		log.Printf("settings encryption disabled: %v", err)
	}
	a.settings = catalog.NewSettings(db, dialect, cipher)

	a.cache, err = redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, history cache disabled: %v", err)
		a.cache = nil
	}

	a.lexical, err = retrieval.OpenLexicalIndex(cfg.Retrieval.LexicalIndexPath)
	if err != nil {
		a.close()
		return nil, err
	}
	a.chunks = chunkstore.New(db, a.lexical)

	if q := newQdrant(cfg); q != nil {
		a.chunks.AddMirror(q)
		a.semantic = q
	}

	a.indexer = worker.NewIndexer(a.catalog, a.chunks, cfg.Chunking.MaxChars, cfg.Chunking.Overlap)
	if err := a.reconcileLexical(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// newQdrant returns the semantic backend when both qdrant and embeddings are configured.
func newQdrant(cfg *config.Config) *retrieval.Qdrant {
	qc := cfg.Retrieval.Qdrant
	if qc.URL == "" {
		return nil
	}
	ec := cfg.Retrieval.Embedding
	embedder, err := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
		BaseURL: ec.BaseURL,
		APIKey:  ec.APIKey,
		Model:   ec.Model,
		Timeout: time.Duration(ec.TimeoutSecs) * time.Second,
	})
	if err != nil {
		log.Printf("semantic search disabled: %v", err)
		return nil
	}
	return retrieval.NewQdrant(retrieval.QdrantConfig{
		URL:        qc.URL,
		APIKey:     qc.APIKey,
		Collection: qc.Collection,
		Timeout:    time.Duration(qc.TimeoutSecs) * time.Second,
	}, embedder)
}

// reconcileLexical brings the full-text index in line with the chunk table.
func (a *app) reconcileLexical(ctx context.Context) error {
	added, removed, err := a.chunks.Resync(ctx, a.lexical)
	if err != nil {
		return fmt.Errorf("reconcile lexical index: %w", err)
	}
	if added+removed > 0 {
		log.Printf("lexical index reconciled: %d added, %d removed", added, removed)
	}
	return nil
}

// SweepOrphans is the periodic maintenance of serve: orphan chunks go first, then the
// full-text index catches up with writes it missed, such as failed mirror updates or chunks
// written by the index command of another process.
func (a *app) SweepOrphans(ctx context.Context) (int, error) {
	n, err := a.chunks.SweepOrphans(ctx)
	if err != nil {
		return n, err
	}
	if err := a.reconcileLexical(ctx); err != nil {
		log.Printf("%v", err)
	}
	return n, nil
}

func (a *app) engine() *retrieval.Engine {
	return retrieval.NewEngine(a.chunks, a.lexical, a.semantic, a.cfg.Retrieval.SimilarityThreshold)
}

func (a *app) close() {
	if a.lexical != nil {
		if err := a.lexical.Close(); err != nil {
			log.Printf("close lexical index: %v", err)
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
	a.db.Close()
}
