package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// Source fetches the stored rules for a business. Rules with an empty
// agent ID apply to every agent and must be included.
type Source interface {
	FetchRules(ctx context.Context, businessID, agentID string) ([]RawRule, error)
}

// FileSource reads rules from a YAML document, re-read on every fetch.
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type ruleFile struct {
	Rules []RawRule `yaml:"rules"`
}

// FetchRules implements Source.
func (f *FileSource) FetchRules(_ context.Context, businessID, agentID string) ([]RawRule, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	var out []RawRule
	for _, r := range doc.Rules {
		if r.BusinessID != businessID {
			continue
		}
		if r.AgentID != "" && r.AgentID != agentID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// PostgresSource reads rules from the behavior_rules table.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects to Postgres with dsn.
func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to rules database: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresSource) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

const fetchRulesSQL = `
SELECT id::text, business_id::text, COALESCE(agent_id::text, ''), name, rule_type,
       trigger_condition, action, priority, is_active
FROM behavior_rules
WHERE business_id = $1 AND (agent_id IS NULL OR agent_id::text = $2)`

// FetchRules implements Source.
func (p *PostgresSource) FetchRules(ctx context.Context, businessID, agentID string) ([]RawRule, error) {
	rows, err := p.pool.Query(ctx, fetchRulesSQL, businessID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []RawRule
	for rows.Next() {
		var (
			r               RawRule
			trigger, action []byte
		)
		if err := rows.Scan(&r.ID, &r.BusinessID, &r.AgentID, &r.Label, &r.Category,
			&trigger, &action, &r.Priority, &r.Active); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		// A malformed document becomes an empty map and the rule decodes as
		// unrecognized; one bad row must not hide the rest.
		_ = json.Unmarshal(trigger, &r.Trigger)
		_ = json.Unmarshal(action, &r.Action)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

// NoSource serves an empty rule set; calls run the conversation loop only.
type NoSource struct{}

// FetchRules implements Source.
func (NoSource) FetchRules(context.Context, string, string) ([]RawRule, error) {
	return nil, nil
}
