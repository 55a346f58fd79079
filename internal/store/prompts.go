package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetTierPrompt returns the active system prompt for a canonical tier name,
// or ErrNotFound.
func (s *Store) GetTierPrompt(tier string) (string, error) {
	var prompt string
	err := s.db.QueryRow(
		`SELECT system_prompt FROM tier_prompts WHERE tier = ? AND active = 1`, tier,
	).Scan(&prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get tier prompt: %w", err)
	}
	return prompt, nil
}

// SetTierPrompt upserts the system prompt for a tier.
func (s *Store) SetTierPrompt(tier, prompt string) error {
	_, err := s.db.Exec(`
		INSERT INTO tier_prompts (tier, system_prompt, active, updated_at)
		VALUES (?, ?, 1, datetime('now'))
		ON CONFLICT(tier) DO UPDATE SET
			system_prompt = excluded.system_prompt,
			active = 1,
			updated_at = datetime('now')`,
		tier, prompt,
	)
	if err != nil {
		return fmt.Errorf("store: set tier prompt: %w", err)
	}
	return nil
}

// EnsureDefaultPrompts installs built-in planner prompts for any tier that
// has none, so a fresh database can run audits out of the box.
func (s *Store) EnsureDefaultPrompts(defaults map[string]string) error {
	for tier, prompt := range defaults {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM tier_prompts WHERE tier = ?`, tier).Scan(&count); err != nil {
			return fmt.Errorf("store: check tier prompt %s: %w", tier, err)
		}
		if count > 0 {
			continue
		}
		if err := s.SetTierPrompt(tier, prompt); err != nil {
			return err
		}
	}
	return nil
}
