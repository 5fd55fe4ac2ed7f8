package agentic

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linguaclip/ingest-worker/test/util"
)

func seedFineUnit(t *testing.T, pool *pgxpool.Pool, kind, label, lang string, pos any, def, status string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO semantic.fine_unit (kind, label, lang, pos, def, status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		kind, label, lang, pos, def, status,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestQueryFineUnits(t *testing.T) {
	pool := util.SetupTestPool(t)
	tool := NewCatalogTool(pool, "gemini-2.0-flash")
	ctx := context.Background()

	runVerb := seedFineUnit(t, pool, "word_sense", "run", "en", "v", "move fast on foot", "active")
	runNoun := seedFineUnit(t, pool, "word_sense", "run", "en", "n", "a scoring unit", "active")
	seedFineUnit(t, pool, "word_sense", "run", "en", "v", "uncurated proposal", "pending")
	seedFineUnit(t, pool, "word_sense", "run", "es", "v", "correr", "active")
	giveUp := seedFineUnit(t, pool, "phrase_sense", "give up", "en", nil, "stop trying", "active")

	t.Run("matches active entries case-insensitively", func(t *testing.T) {
		candidates, err := tool.QueryFineUnits(ctx, "RUN", "word_sense", "", "")
		require.NoError(t, err)

		ids := make([]int64, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.FineID)
		}
		assert.ElementsMatch(t, []int64{runVerb, runNoun}, ids)
	})

	t.Run("pos filter narrows", func(t *testing.T) {
		candidates, err := tool.QueryFineUnits(ctx, "run", "word_sense", "verb", "")
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, runVerb, candidates[0].FineID)
		assert.Equal(t, "v", candidates[0].POS)
	})

	t.Run("kind filter applies", func(t *testing.T) {
		candidates, err := tool.QueryFineUnits(ctx, "give up", "word_sense", "", "")
		require.NoError(t, err)
		assert.Empty(t, candidates)

		candidates, err = tool.QueryFineUnits(ctx, "give up", "phrase_sense", "", "")
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, giveUp, candidates[0].FineID)
		assert.Empty(t, candidates[0].POS)
	})

	t.Run("lang filter applies", func(t *testing.T) {
		candidates, err := tool.QueryFineUnits(ctx, "run", "word_sense", "verb", "es")
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, "correr", candidates[0].Definition)
	})

	t.Run("results are capped", func(t *testing.T) {
		for i := 0; i < queryLimit+10; i++ {
			seedFineUnit(t, pool, "word_sense", "many", "en", "n",
				fmt.Sprintf("sense %d", i), "active")
		}
		candidates, err := tool.QueryFineUnits(ctx, "many", "word_sense", "", "")
		require.NoError(t, err)
		assert.Len(t, candidates, queryLimit)
	})
}

func TestCreateFineUnitIdempotent(t *testing.T) {
	pool := util.SetupTestPool(t)
	tool := NewCatalogTool(pool, "gemini-2.0-flash")
	ctx := context.Background()

	first, err := tool.CreateFineUnit(ctx, "give up", "phrase_sense", "N/A", "stop trying", "", "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", first.Status)
	assert.Equal(t, "created pending entry", first.Note)

	var pos *string
	var lang, key string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT pos, lang, external_key FROM semantic.fine_unit WHERE id = $1`,
		first.FineID).Scan(&pos, &lang, &key))
	assert.Nil(t, pos)
	assert.Equal(t, "en", lang)
	assert.Equal(t, ExternalKey("gemini-2.0-flash", "give up", "stop trying"), key)

	// Re-proposing the same lemma and definition converges on one row,
	// even from a different video.
	second, err := tool.CreateFineUnit(ctx, "give up", "phrase_sense", "N/A", "stop trying", "", "vid-2")
	require.NoError(t, err)
	assert.Equal(t, first.FineID, second.FineID)
	assert.Equal(t, "existing entry", second.Note)

	// A different definition is a different sense.
	third, err := tool.CreateFineUnit(ctx, "give up", "phrase_sense", "N/A", "surrender a possession", "", "vid-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.FineID, third.FineID)

	var total int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM semantic.fine_unit`).Scan(&total))
	assert.Equal(t, 2, total)

	// Pending proposals stay invisible to lookups until curated.
	candidates, err := tool.QueryFineUnits(ctx, "give up", "phrase_sense", "", "")
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestCreateFineUnitStoresPOSCode(t *testing.T) {
	pool := util.SetupTestPool(t)
	tool := NewCatalogTool(pool, "gemini-2.0-flash")
	ctx := context.Background()

	res, err := tool.CreateFineUnit(ctx, "run", "word_sense", "verb", "move fast on foot", "en", "vid-1")
	require.NoError(t, err)

	var pos *string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT pos FROM semantic.fine_unit WHERE id = $1`, res.FineID).Scan(&pos))
	require.NotNil(t, pos)
	assert.Equal(t, "v", *pos)
}
