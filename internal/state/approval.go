package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/turnlog/internal/types"
)

// ApprovalStore persists human-approval requests.
type ApprovalStore struct {
	db *sql.DB
}

// NewApprovalStore creates an ApprovalStore on the shared database.
func NewApprovalStore(d *DB) *ApprovalStore {
	return &ApprovalStore{db: d.db}
}

// Create inserts a new request. The request must be pending.
func (s *ApprovalStore) Create(ctx context.Context, req *types.ApprovalRequest) error {
	if req.Status == "" {
		req.Status = types.ApprovalPending
	}
	if req.Status != types.ApprovalPending {
		return fmt.Errorf("create approval: status must be pending, got %s", req.Status)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, conversation_id, tool_name, tool_args, status, priority, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(req.ID), string(req.ConversationID), req.ToolName, string(req.Args),
		string(req.Status), req.Priority, formatTime(req.CreatedAt), formatTime(req.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// Get returns the request with the given id.
func (s *ApprovalStore) Get(ctx context.Context, id types.ApprovalID) (*types.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, selectApproval+` WHERE id = ?`, string(id))
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return req, nil
}

// Resolve applies a terminal status if the request is still pending.
func (s *ApprovalStore) Resolve(ctx context.Context, id types.ApprovalID, status types.ApprovalStatus, decidedBy string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("resolve approval: %s is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decided_at = ?, decided_by = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), formatTime(at), decidedBy, string(id))
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	return n == 1, nil
}

// ListPending returns pending requests ordered by expiry.
func (s *ApprovalStore) ListPending(ctx context.Context) ([]*types.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectApproval+` WHERE status = 'pending' ORDER BY expires_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*types.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const selectApproval = `SELECT id, conversation_id, tool_name, tool_args, status, priority,
	created_at, expires_at, decided_at, decided_by FROM approvals`

func scanApproval(row scanner) (*types.ApprovalRequest, error) {
	var req types.ApprovalRequest
	var id, convID, status, createdAt, expiresAt string
	var args, decidedAt, decidedBy sql.NullString
	if err := row.Scan(&id, &convID, &req.ToolName, &args, &status, &req.Priority,
		&createdAt, &expiresAt, &decidedAt, &decidedBy); err != nil {
		return nil, err
	}
	req.ID = types.ApprovalID(id)
	req.ConversationID = types.ConversationID(convID)
	req.Status = types.ApprovalStatus(status)
	req.CreatedAt = parseTime(createdAt)
	req.ExpiresAt = parseTime(expiresAt)
	if args.Valid && args.String != "" {
		req.Args = []byte(args.String)
	}
	if decidedAt.Valid {
		t := parseTime(decidedAt.String)
		req.DecidedAt = &t
	}
	if decidedBy.Valid {
		req.DecidedBy = decidedBy.String
	}
	return &req, nil
}
