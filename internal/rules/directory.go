package rules

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"
)

// ErrAgentNotFound is returned when no agent answers a phone number
var ErrAgentNotFound = errors.New("no agent for number")

// AgentProfile is the per-agent conversation setup
type AgentProfile struct {
	BusinessID   string `yaml:"business_id" json:"businessId"`
	AgentID      string `yaml:"agent_id" json:"agentId"`
	Number       string `yaml:"number" json:"number"`
	Greeting     string `yaml:"greeting" json:"greeting,omitempty"`
	SystemPrompt string `yaml:"system_prompt" json:"systemPrompt,omitempty"`
}

// Directory resolves which business and agent own a phone number
type Directory interface {
	LookupAgent(ctx context.Context, number string) (AgentProfile, error)
}

type agentFile struct {
	Agents []AgentProfile `yaml:"agents"`
}

// LookupAgent implements Directory from the same YAML document as the rules.
func (f *FileSource) LookupAgent(_ context.Context, number string) (AgentProfile, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return AgentProfile{}, fmt.Errorf("read rules file: %w", err)
	}
	var doc agentFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return AgentProfile{}, fmt.Errorf("parse rules file: %w", err)
	}
	for _, a := range doc.Agents {
		if a.Number == number {
			return a, nil
		}
	}
	return AgentProfile{}, ErrAgentNotFound
}

const lookupAgentSQL = `
SELECT business_id::text, id::text, phone_number, COALESCE(greeting, ''), COALESCE(system_prompt, '')
FROM agents
WHERE phone_number = $1 AND is_active
LIMIT 1`

// LookupAgent implements Directory against the agents table.
func (p *PostgresSource) LookupAgent(ctx context.Context, number string) (AgentProfile, error) {
	var a AgentProfile
	err := p.pool.QueryRow(ctx, lookupAgentSQL, number).
		Scan(&a.BusinessID, &a.AgentID, &a.Number, &a.Greeting, &a.SystemPrompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentProfile{}, ErrAgentNotFound
	}
	if err != nil {
		return AgentProfile{}, fmt.Errorf("query agent: %w", err)
	}
	return a, nil
}
