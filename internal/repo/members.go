package repo

import (
	"context"
	"database/sql"

	"tideline/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(id,created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, actorID, createdAt)
	return err
}

func (r Repo) UpsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	if err := r.EnsureActor(ctx, tx, m.ActorID, m.CreatedAt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO project_members(project_id,actor_id,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,actor_id) DO UPDATE SET role=excluded.role`, m.ProjectID, m.ActorID, m.Role, m.CreatedAt)
	return err
}

func (r Repo) ListMembers(ctx context.Context, projectID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,actor_id,role,created_at FROM project_members WHERE project_id=? ORDER BY created_at ASC, actor_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ProjectID, &m.ActorID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
