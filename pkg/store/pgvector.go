package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	BatchSize  int
}

// VectorStore is a VectorIndex backed by Postgres with the pgvector extension.
type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
	ids    []int64
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*VectorStore, error) {
	if config.ConnString == "" {
		return nil, errs.Configuration("pgvector backend requires a database URL")
	}
	if config.TableName == "" {
		config.TableName = "chunk_vectors"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768 // nomic-embed-text
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := vs.loadIDs(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			internal_id BIGINT PRIMARY KEY,
			chunk_id TEXT NOT NULL,
			embedding vector(%d)
		)`, vs.config.TableName, vs.config.VectorDim)

	if _, err := vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING hnsw (embedding vector_cosine_ops)`,
		vs.config.TableName, vs.config.TableName)

	if _, err := vs.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

func (vs *VectorStore) loadIDs(ctx context.Context) error {
	rows, err := vs.pool.Query(ctx, fmt.Sprintf("SELECT internal_id FROM %s ORDER BY internal_id", vs.config.TableName))
	if err != nil {
		return fmt.Errorf("failed to list vector ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("failed to scan vector ids: %w", err)
	}
	vs.ids = ids
	return nil
}

// Replace swaps the table contents for the given vectors in one transaction,
// so readers never see a half-built index.
func (vs *VectorStore) Replace(ctx context.Context, mapping *Mapping, vectors map[int64][]float32) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", vs.config.TableName)); err != nil {
		return fmt.Errorf("failed to clear vectors: %w", err)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (internal_id, chunk_id, embedding)
		VALUES ($1, $2, $3)`,
		vs.config.TableName)

	keys := mapping.Keys()
	for start := 0; start < len(keys); start += vs.config.BatchSize {
		end := min(start+vs.config.BatchSize, len(keys))
		batch := &pgx.Batch{}
		for _, k := range keys[start:end] {
			vec, ok := vectors[k]
			if !ok {
				return errs.Configuration("no vector for index id %d", k)
			}
			if len(vec) != vs.config.VectorDim {
				return errs.Configuration("vector for index id %d has dimension %d, table expects %d", k, len(vec), vs.config.VectorDim)
			}
			batch.Queue(stmt, k, mapping.IDs[k], pgvector.NewVector(vec))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert vectors: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	vs.ids = keys
	return nil
}

// Search ranks rows by cosine similarity; pgvector's <=> is cosine distance.
func (vs *VectorStore) Search(ctx context.Context, vec []float32, k int) ([]types.Neighbor, error) {
	if k <= 0 {
		return nil, errs.Configuration("k must be positive, got %d", k)
	}
	if len(vec) != vs.config.VectorDim {
		return nil, errs.Configuration("query has dimension %d, table expects %d", len(vec), vs.config.VectorDim)
	}

	query := fmt.Sprintf(`
		SELECT internal_id, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1, internal_id
		LIMIT $2`,
		vs.config.TableName)

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, errs.FromContext("failed to query vectors", err)
	}
	defer rows.Close()

	var out []types.Neighbor
	for rows.Next() {
		var n types.Neighbor
		if err := rows.Scan(&n.InternalID, &n.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.FromContext("failed to read vectors", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (vs *VectorStore) IDs() []int64 {
	return append([]int64(nil), vs.ids...)
}

func (vs *VectorStore) Dim() int { return vs.config.VectorDim }

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}
