package message

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"ChatCore/module/chat/model"
	"ChatCore/tools/errs"
)

// ErrDuplicate reports an insert that hit the unique (channel_id,
// timestamp_id) index. The write path treats it as success: the event was
// already persisted by an earlier delivery.
var ErrDuplicate = errors.New("duplicate (channel_id, timestamp_id)")

// Store is the durable side of the pipeline: append-only message rows plus
// read receipts with a GREATEST upsert, so a late write can never regress a
// receipt that has advanced further.
type Store interface {
	InsertMessage(ctx context.Context, m *model.MessageRow) error
	// MessagesAfter returns rows with timestamp_id > after, ascending.
	MessagesAfter(ctx context.Context, channelID, after string) ([]*model.MessageRow, error)

	UpsertReceiptGreatest(ctx context.Context, userID, channelID, ts string) error
	// Receipt returns "" when the user has never read the channel.
	Receipt(ctx context.Context, userID, channelID string) (string, error)
}

// Schema expects:
//
//	CREATE TABLE messages (
//	  id           BIGSERIAL PRIMARY KEY,
//	  channel_id   TEXT NOT NULL,
//	  user_id      TEXT NOT NULL,
//	  content      TEXT NOT NULL,
//	  timestamp_id TEXT NOT NULL,
//	  created_at   BIGINT NOT NULL,
//	  UNIQUE (channel_id, timestamp_id)
//	);
//	CREATE TABLE read_receipts (
//	  user_id    TEXT NOT NULL,
//	  channel_id TEXT NOT NULL,
//	  last_read  TEXT NOT NULL,
//	  PRIMARY KEY (user_id, channel_id)
//	);
type pgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) InsertMessage(ctx context.Context, m *model.MessageRow) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (channel_id, user_id, content, timestamp_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, timestamp_id) DO NOTHING`,
		m.ChannelID, m.UserID, m.Content, m.TimestampID, m.CreatedAt)
	if err != nil {
		return errs.ErrStorage.WrapMsg(err.Error())
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *pgStore) MessagesAfter(ctx context.Context, channelID, after string) ([]*model.MessageRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel_id, user_id, content, timestamp_id, created_at
		FROM messages
		WHERE channel_id = $1 AND timestamp_id > $2
		ORDER BY timestamp_id ASC`,
		channelID, after)
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error())
	}
	defer rows.Close()

	var out []*model.MessageRow
	for rows.Next() {
		var m model.MessageRow
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Content,
			&m.TimestampID, &m.CreatedAt); err != nil {
			return nil, errs.ErrStorage.WrapMsg(err.Error())
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error())
	}
	return out, nil
}

func (s *pgStore) UpsertReceiptGreatest(ctx context.Context, userID, channelID, ts string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO read_receipts (user_id, channel_id, last_read)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, channel_id)
		DO UPDATE SET last_read = GREATEST(read_receipts.last_read, EXCLUDED.last_read)`,
		userID, channelID, ts)
	if err != nil {
		return errs.ErrStorage.WrapMsg(err.Error())
	}
	return nil
}

func (s *pgStore) Receipt(ctx context.Context, userID, channelID string) (string, error) {
	var ts string
	err := s.pool.QueryRow(ctx, `
		SELECT last_read FROM read_receipts
		WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errs.ErrStorage.WrapMsg(err.Error())
	}
	return ts, nil
}
