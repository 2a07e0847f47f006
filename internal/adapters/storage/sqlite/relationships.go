package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
)

// CreateRelationship stores a directed edge. The edge is rejected when it
// would close a cycle in the relationship graph.
func (s *Store) CreateRelationship(ctx context.Context, rel domain.Relationship) (domain.Relationship, error) {
	if rel.SourceFormID == rel.TargetFormID {
		return domain.Relationship{}, app.FromDomain(domain.ErrSelfRelationship)
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = s.now()
	}
	err := s.tx.ExecuteWithRetry(ctx, s.policy.MaxRetryAttempts, func(tx *sql.Tx) error {
		for _, id := range []int64{rel.SourceFormID, rel.TargetFormID} {
			var one int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM forms WHERE id = ?`, id).Scan(&one); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return app.NotFound("form", id)
				}
				return err
			}
		}
		edges, err := loadEdges(ctx, tx)
		if err != nil {
			return err
		}
		if reachable(edges, rel.TargetFormID, rel.SourceFormID, 0) {
			return app.BusinessRule(fmt.Sprintf("relationship %d -> %d would create a cycle", rel.SourceFormID, rel.TargetFormID))
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO form_relationships(source_form_id, target_form_id, relation_kind, created_at)
			VALUES (?, ?, ?, ?)
		`, rel.SourceFormID, rel.TargetFormID, string(rel.Kind), ts(rel.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return app.BusinessRule("relationship already exists")
			}
			return err
		}
		rel.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return domain.Relationship{}, err
	}
	rel.CreatedAt = domain.Truncate(rel.CreatedAt)
	return rel, nil
}

// ListRelationships lists edges touching a form in either direction.
func (s *Store) ListRelationships(ctx context.Context, formID int64) ([]domain.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_form_id, target_form_id, relation_kind, created_at
		FROM form_relationships
		WHERE source_form_id = ?1 OR target_form_id = ?1
		ORDER BY created_at ASC, id ASC
	`, formID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := []domain.Relationship{}
	for rows.Next() {
		var (
			r          domain.Relationship
			kind       string
			createdRaw string
		)
		if err := rows.Scan(&r.ID, &r.SourceFormID, &r.TargetFormID, &kind, &createdRaw); err != nil {
			return nil, translate(err)
		}
		r.Kind = domain.RelationKind(kind)
		r.CreatedAt = parseTS(createdRaw)
		out = append(out, r)
	}
	return out, translate(rows.Err())
}

// DeleteRelationship removes one edge; a missing id reports false.
func (s *Store) DeleteRelationship(ctx context.Context, id int64) (bool, error) {
	deleted := false
	err := s.tx.Execute(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM form_relationships WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, err
}

// edge is one stored relationship reduced to its endpoints.
type edge struct {
	source int64
	target int64
}

// loadEdges reads the whole relationship graph as an adjacency list.
func loadEdges(ctx context.Context, q queryer) (map[int64][]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT source_form_id, target_form_id FROM form_relationships ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	adj := map[int64][]int64{}
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.source, &e.target); err != nil {
			return nil, err
		}
		adj[e.source] = append(adj[e.source], e.target)
	}
	return adj, rows.Err()
}

// reachable runs a breadth-first search from start looking for goal. A
// positive maxDepth bounds the number of hops; zero means unbounded.
func reachable(adj map[int64][]int64, start, goal int64, maxDepth int) bool {
	if start == goal {
		return true
	}
	seen := map[int64]bool{start: true}
	frontier := []int64{start}
	for depth := 1; len(frontier) > 0; depth++ {
		if maxDepth > 0 && depth > maxDepth {
			return false
		}
		var next []int64
		for _, node := range frontier {
			for _, to := range adj[node] {
				if to == goal {
					return true
				}
				if !seen[to] {
					seen[to] = true
					next = append(next, to)
				}
			}
		}
		frontier = next
	}
	return false
}
