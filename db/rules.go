package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailflow/server"
)

// RulesForUser returns the filter rules of a user in creation order,
// disabled rules included.
func (db *Database) RulesForUser(ctx context.Context, userID int64) ([]*server.FilterRule, error) {
	var rules []*server.FilterRule
	err := db.timedQuery(ctx, "rules_for_user", func(rows pgx.Rows) error {
		r := &server.FilterRule{}
		if err := rows.Scan(&r.ID, &r.UserID, &r.Created, &r.Name, &r.Query, &r.Action, &r.Disabled, &r.Metadata); err != nil {
			return err
		}
		rules = append(rules, r)
		return nil
	}, `SELECT id, user_id, created_at, name, query, action, disabled, metadata
		FROM filter_rules WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// DomainPolicy returns "block", "allow" or an empty string for a sender
// domain as seen by any of the tags. Block wins when tags disagree.
func (db *Database) DomainPolicy(ctx context.Context, tags []string, domain string) (string, error) {
	if len(tags) == 0 || domain == "" {
		return "", nil
	}
	var action string
	err := db.timedQueryRow(ctx, "domain_policy", []any{&action},
		`SELECT action FROM domain_access WHERE tag = ANY($1) AND domain = $2
		ORDER BY action = 'block' DESC LIMIT 1`, tags, domain)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return action, err
}
