// Package agentic implements the annotation subsystem: a tool-using
// language model driven in a bounded function-call loop against the
// semantic catalog, fanned out over transcript segments.
package agentic

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tool function names exposed to the model.
const (
	FuncQueryFineUnits = "query_fine_units"
	FuncCreateFineUnit = "create_fine_unit"
)

const queryLimit = 50

// posCodes maps long part-of-speech names to the single-letter storage
// code. Phrases carry "N/A", stored as NULL.
var posCodes = map[string]string{
	"noun":         "n",
	"verb":         "v",
	"adjective":    "a",
	"adverb":       "r",
	"preposition":  "p",
	"conjunction":  "c",
	"pronoun":      "m",
	"determiner":   "d",
	"interjection": "i",
}

// MapPOS normalizes a part-of-speech name to its storage code. Returns
// "" (stored as NULL) for "N/A" and empty input; single-letter codes
// pass through.
func MapPOS(pos string) string {
	p := strings.ToLower(strings.TrimSpace(pos))
	if p == "" || p == "n/a" {
		return ""
	}
	if code, ok := posCodes[p]; ok {
		return code
	}
	if len(p) == 1 {
		return p
	}
	return ""
}

// ExternalKey computes the convergence key for a model-proposed catalog
// entry: model:lemma:def_ plus the first 8 hex chars of md5(definition).
// Collisions at this key mean "same proposal" and resolve to one row.
func ExternalKey(model, lemma, definition string) string {
	sum := md5.Sum([]byte(definition))
	return fmt.Sprintf("%s:%s:def_%s", model, lemma, hex.EncodeToString(sum[:])[:8])
}

// Candidate is one catalog row returned to the model.
type Candidate struct {
	FineID     int64  `json:"fine_id"`
	Label      string `json:"label"`
	POS        string `json:"pos,omitempty"`
	Definition string `json:"definition"`
}

// CreateResult reports the outcome of a create_fine_unit call.
type CreateResult struct {
	FineID int64  `json:"fine_id"`
	Status string `json:"status"`
	Note   string `json:"note"`
}

// CatalogTool is the only writer to semantic.fine_unit. It exposes the
// two tool functions to the model and executes them against the catalog.
type CatalogTool struct {
	pool      *pgxpool.Pool
	modelName string
	logger    *slog.Logger
}

// NewCatalogTool creates the catalog tool. modelName is recorded in the
// external key and provenance of created entries.
func NewCatalogTool(pool *pgxpool.Pool, modelName string) *CatalogTool {
	return &CatalogTool{
		pool:      pool,
		modelName: modelName,
		logger:    slog.Default().With("component", "catalog-tool"),
	}
}

// Declarations returns the tool schemas handed to the model.
func Declarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name: FuncQueryFineUnits,
			Description: "Look up catalog entries (fine units) matching a lemma or phrase. " +
				"Returns up to 50 active candidates. Always call this before annotating.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"lemma": {
						Type:        genai.TypeString,
						Description: "Lemmatized word or phrase surface form to look up",
					},
					"kind": {
						Type:        genai.TypeString,
						Enum:        []string{"word_sense", "phrase_sense", "grammar_rule"},
						Description: "Kind of catalog entry to search",
					},
					"pos": {
						Type:        genai.TypeString,
						Description: "Part of speech (noun, verb, adjective, adverb, ...); N/A for phrases",
					},
					"lang": {
						Type:        genai.TypeString,
						Description: "Language code, default en",
					},
				},
				Required: []string{"lemma", "kind"},
			},
		},
		{
			Name: FuncCreateFineUnit,
			Description: "Propose a new catalog entry when no existing one fits. " +
				"The entry is created with status pending for later curation.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"lemma": {
						Type:        genai.TypeString,
						Description: "Lemmatized word or phrase surface form",
					},
					"kind": {
						Type: genai.TypeString,
						Enum: []string{"word_sense", "phrase_sense", "grammar_rule"},
					},
					"pos": {
						Type:        genai.TypeString,
						Description: "Part of speech; N/A for phrases",
					},
					"definition": {
						Type:        genai.TypeString,
						Description: "Concise definition of this sense",
					},
					"lang": {
						Type:        genai.TypeString,
						Description: "Language code, default en",
					},
				},
				Required: []string{"lemma", "kind", "pos", "definition"},
			},
		},
	}
}

// QueryFineUnits returns active catalog entries matching the lemma.
func (t *CatalogTool) QueryFineUnits(ctx context.Context, lemma, kind, pos, lang string) ([]Candidate, error) {
	if lang == "" {
		lang = "en"
	}

	query := `SELECT id, label, COALESCE(pos, ''), def
		FROM semantic.fine_unit
		WHERE lower(label) = lower($1) AND kind = $2 AND lang = $3 AND status = 'active'`
	args := []any{lemma, kind, lang}

	if code := MapPOS(pos); code != "" {
		query += ` AND pos = $4`
		args = append(args, code)
	}
	query += fmt.Sprintf(` LIMIT %d`, queryLimit)

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fine unit query failed: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.FineID, &c.Label, &c.POS, &c.Definition); err != nil {
			return nil, fmt.Errorf("fine unit scan failed: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fine unit query failed: %w", err)
	}
	return candidates, nil
}

// CreateFineUnit inserts a pending catalog entry, converging on the
// external key: a second proposal of the same lemma and definition
// returns the existing row.
func (t *CatalogTool) CreateFineUnit(ctx context.Context, lemma, kind, pos, definition, lang, videoUID string) (*CreateResult, error) {
	if lang == "" {
		lang = "en"
	}
	key := ExternalKey(t.modelName, lemma, definition)

	var id int64
	var status string
	err := t.pool.QueryRow(ctx,
		`SELECT id, status FROM semantic.fine_unit WHERE external_key = $1`, key,
	).Scan(&id, &status)
	if err == nil {
		return &CreateResult{FineID: id, Status: status, Note: "existing entry"}, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("fine unit lookup failed: %w", err)
	}

	meta := map[string]any{
		"model":       t.modelName,
		"lemma":       lemma,
		"pos":         pos,
		"proposed_at": time.Now().UTC().Format(time.RFC3339),
		"video_uid":   videoUID,
	}

	var posValue any
	if code := MapPOS(pos); code != "" {
		posValue = code
	}

	err = t.pool.QueryRow(ctx,
		`INSERT INTO semantic.fine_unit (kind, label, lang, pos, def, status, external_key, meta)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		 ON CONFLICT (external_key) DO UPDATE SET updated_at = now()
		 RETURNING id, status`,
		kind, lemma, lang, posValue, definition, key, meta,
	).Scan(&id, &status)
	if err != nil {
		return nil, fmt.Errorf("fine unit insert failed: %w", err)
	}

	t.logger.Info("Proposed catalog entry",
		"fine_id", id, "lemma", lemma, "kind", kind, "external_key", key)
	return &CreateResult{FineID: id, Status: status, Note: "created pending entry"}, nil
}
