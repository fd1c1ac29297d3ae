package repo

import (
	"context"

	"tideline/internal/domain"
)

// InsertNotification stores a notification unless an identical one already
// exists for the same recipient and related entity.
func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO notifications(id,recipient_id,type,related_type,related_id,message,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Type, n.RelatedType, n.RelatedID, n.Message, n.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r Repo) ListNotifications(ctx context.Context, recipientID string) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,recipient_id,type,related_type,related_id,message,created_at FROM notifications WHERE recipient_id=? ORDER BY created_at DESC, id DESC`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.RelatedType, &n.RelatedID, &n.Message, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
