package tessera

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ragChunkSize    = 1000
	ragChunkOverlap = 200
	ragSearchLimit  = 4
)

var errKnowledgeBaseUnavailable = errors.New(
	"knowledge base requires a postgres database",
)

// DocumentChunk is one embedded slice of a guild's knowledge-base
// content. The embedding column requires the pgvector extension, so the
// table is only migrated and queried when the database type is
// 'postgres'.
type DocumentChunk struct {
	ModelUintID
	ModelUnixTime

	GuildID string `gorm:"index" json:"guild_id"`

	// Source is the name of the file the chunk came from
	Source  string `json:"source"`
	Content string `json:"content"`

	Embedding pgvector.Vector `gorm:"type:vector(1536)" json:"-"`
}

// RAGStore stores and searches embedded knowledge-base chunks.
type RAGStore interface {
	// Available reports whether the knowledge base can be used at all.
	// False when running on sqlite.
	Available() bool

	// HasData reports whether the guild has any stored chunks. Always
	// false when the store is unavailable.
	HasData(ctx context.Context, guildID string) bool

	AddChunks(ctx context.Context, chunks []DocumentChunk) error

	// Search returns up to limit chunks nearest to the given embedding,
	// most similar first
	Search(
		ctx context.Context,
		guildID string,
		embedding []float32,
		limit int,
	) ([]DocumentChunk, error)

	// Wipe hard-deletes a guild's entire corpus, returning the number of
	// chunks removed
	Wipe(ctx context.Context, guildID string) (int64, error)

	CountChunks(ctx context.Context, guildID string) (int64, error)
}

// gormRAGStore implements [RAGStore] over postgres/pgvector. On sqlite
// it is constructed unavailable, and every read reports no data.
type gormRAGStore struct {
	db        *gorm.DB
	writeDB   DBI
	available bool
	logger    *slog.Logger
}

func newRAGStore(
	db *gorm.DB,
	writeDB DBI,
	databaseType string,
	logger *slog.Logger,
) *gormRAGStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormRAGStore{
		db:        db,
		writeDB:   writeDB,
		available: databaseType == dbTypePostgres,
		logger:    logger.With(loggerNameKey, "knowledge"),
	}
}

func (r *gormRAGStore) Available() bool {
	return r.available
}

func (r *gormRAGStore) HasData(ctx context.Context, guildID string) bool {
	if !r.available {
		return false
	}
	count, err := r.CountChunks(ctx, guildID)
	if err != nil {
		r.logger.ErrorContext(ctx, "error counting document chunks", tint.Err(err))
		return false
	}
	return count > 0
}

func (r *gormRAGStore) CountChunks(ctx context.Context, guildID string) (int64, error) {
	if !r.available {
		return 0, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&DocumentChunk{}).Where(
		"guild_id = ?", guildID,
	).Count(&count).Error
	return count, err
}

func (r *gormRAGStore) AddChunks(ctx context.Context, chunks []DocumentChunk) error {
	if !r.available {
		return errKnowledgeBaseUnavailable
	}
	if len(chunks) == 0 {
		return nil
	}
	_, err := r.writeDB.Create(ctx, &chunks)
	return err
}

func (r *gormRAGStore) Search(
	ctx context.Context,
	guildID string,
	embedding []float32,
	limit int,
) ([]DocumentChunk, error) {
	if !r.available {
		return nil, nil
	}
	if limit <= 0 {
		limit = ragSearchLimit
	}
	var chunks []DocumentChunk
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).Clauses(
		clause.OrderBy{
			Expression: clause.Expr{
				SQL:  "embedding <-> ?",
				Vars: []any{pgvector.NewVector(embedding)},
			},
		},
	).Limit(limit).Find(&chunks).Error
	return chunks, err
}

func (r *gormRAGStore) Wipe(ctx context.Context, guildID string) (int64, error) {
	if !r.available {
		return 0, nil
	}
	r.writeDB.Lock()
	defer r.writeDB.Unlock()
	rv := r.db.WithContext(ctx).Unscoped().Where(
		"guild_id = ?", guildID,
	).Delete(&DocumentChunk{})
	return rv.RowsAffected, rv.Error
}

// splitIntoChunks splits text into chunks of roughly chunkSize runes,
// preferring paragraph boundaries. The tail of each chunk is repeated at
// the start of the next, so sentences spanning a boundary stay
// searchable.
func splitIntoChunks(content string, chunkSize int, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = ragChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	var chunks []string
	var current []rune

	flush := func() {
		text := strings.TrimSpace(string(current))
		if text != "" {
			chunks = append(chunks, text)
		}
		if overlap > 0 && len(current) > overlap {
			tail := make([]rune, overlap)
			copy(tail, current[len(current)-overlap:])
			current = append(tail, '\n', '\n')
		} else {
			current = nil
		}
	}

	for _, paragraph := range strings.Split(content, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		runes := []rune(paragraph)

		// hard-split paragraphs longer than a whole chunk
		for len(runes) > chunkSize {
			if len(current) > 0 {
				flush()
			}
			chunks = append(chunks, string(runes[:chunkSize]))
			runes = runes[chunkSize-overlap:]
		}

		if len(current) > 0 && len(current)+len(runes)+2 > chunkSize {
			flush()
		}
		if len(current) > 0 {
			current = append(current, '\n', '\n')
		}
		current = append(current, runes...)
	}

	text := strings.TrimSpace(string(current))
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// ingestDocument splits, embeds and stores a document in the guild's
// knowledge base, returning the number of chunks stored.
func (t *Tessera) ingestDocument(
	ctx context.Context,
	guildID string,
	userID string,
	source string,
	content string,
) (int, error) {
	if t.rag == nil || !t.rag.Available() {
		return 0, errKnowledgeBaseUnavailable
	}

	chunks := splitIntoChunks(content, ragChunkSize, ragChunkOverlap)
	if len(chunks) == 0 {
		return 0, errors.New("document is empty")
	}

	vectors, err := t.llm.Embeddings(ctx, userID, guildID, chunks)
	if err != nil {
		return 0, err
	}

	rows := make([]DocumentChunk, len(chunks))
	for i := range chunks {
		rows[i] = DocumentChunk{
			GuildID:   guildID,
			Source:    source,
			Content:   chunks[i],
			Embedding: pgvector.NewVector(vectors[i]),
		}
	}
	if err := t.rag.AddChunks(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// knowledgeContext embeds the query and returns the most similar stored
// chunks joined into a context block, or "" when the guild has no
// knowledge base. Failures are logged and degrade to "" so assistant
// replies still work without context.
func (t *Tessera) knowledgeContext(
	ctx context.Context,
	guildID string,
	userID string,
	query string,
) string {
	if t.rag == nil || !t.rag.HasData(ctx, guildID) {
		return ""
	}
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = t.logger
	}

	vectors, err := t.llm.Embeddings(ctx, userID, guildID, []string{query})
	if err != nil || len(vectors) == 0 {
		log.WarnContext(ctx, "error embedding query for context", tint.Err(err))
		return ""
	}

	limit := ragSearchLimit
	runtimeConfig := t.RuntimeConfig()
	if runtimeConfig.RAGChunkLimit > 0 {
		limit = runtimeConfig.RAGChunkLimit
	}

	chunks, err := t.rag.Search(ctx, guildID, vectors[0], limit)
	if err != nil {
		log.WarnContext(ctx, "error searching knowledge base", tint.Err(err))
		return ""
	}
	if len(chunks) == 0 {
		return ""
	}

	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("- ")
		b.WriteString(c.Content)
		b.WriteString("\n")
	}
	return b.String()
}
