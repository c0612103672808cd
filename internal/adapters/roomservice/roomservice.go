// Package roomservice implements groupcall.RoomService over Postgres
// (durable storage of each user's FamedlyCallMemberEvent content) plus
// Redis pub/sub (live fan-out of changes), grounded in the teacher's
// internal/core.SessionsRepository (sqlx query shape) and
// internal/eventbus.Eventbus (redis publish/subscribe channel naming).
package roomservice

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/membership"
)

// changedChannel mirrors the teacher's Channel.buildChannel convention
// (colon-joined topic:id), scoped to one room.
func changedChannel(roomID string) string {
	return "groupcall_room_changed:" + roomID
}

type row struct {
	UserID         string `db:"user_id"`
	Content        []byte `db:"content"`
	OriginServerTS int64  `db:"origin_server_ts"`
}

// Store is the Postgres+Redis groupcall.RoomService.
type Store struct {
	db  *sqlx.DB
	rdb *redis.Client
}

// New wraps an already-connected sqlx.DB and redis.Client.
func New(db *sqlx.DB, rdb *redis.Client) *Store {
	return &Store{db: db, rdb: rdb}
}

// FetchMemberships loads every user's current memberships content for
// roomID and decodes each into a membership.WireEvent.
func (s *Store) FetchMemberships(ctx context.Context, roomID string) ([]membership.WireEvent, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT user_id, content, origin_server_ts FROM room_memberships WHERE room_id = $1`,
		roomID,
	)
	if err != nil {
		return nil, err
	}

	out := make([]membership.WireEvent, 0, len(rows))
	for _, r := range rows {
		we, err := membership.DecodeWireEvent(r.Content, r.UserID, r.OriginServerTS)
		if err != nil {
			log.Warn().Err(err).Str("component", "roomservice").
				Str("user_id", r.UserID).Msg("dropping malformed membership row")
			continue
		}
		out = append(out, we)
	}
	return out, nil
}

// WriteMemberships upserts userID's memberships array for roomID, stamps a
// fresh origin_server_ts, and publishes a change notification on the
// room's Redis channel.
func (s *Store) WriteMemberships(ctx context.Context, roomID, userID string, entries []membership.MembershipEntry) error {
	content, err := membership.EncodeMemberships(entries)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO room_memberships (room_id, user_id, content, origin_server_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			content = EXCLUDED.content,
			origin_server_ts = EXCLUDED.origin_server_ts`,
		roomID, userID, content, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}

	return s.rdb.Publish(ctx, changedChannel(roomID), userID).Err()
}

// Subscribe opens a Redis subscription on roomID's change channel and, on
// every notification, re-fetches the full room snapshot and pushes it onto
// the returned channel.
func (s *Store) Subscribe(ctx context.Context, roomID string) (<-chan []membership.WireEvent, func()) {
	out := make(chan []membership.WireEvent, 4)
	pubsub := s.rdb.Subscribe(ctx, changedChannel(roomID))

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			log.Error().Err(err).Str("component", "roomservice").Msg("close subscription failed")
		}
		close(out)
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				events, err := s.FetchMemberships(ctx, roomID)
				if err != nil {
					log.Error().Err(err).Str("component", "roomservice").
						Str("room_id", roomID).Msg("refetch on change notification failed")
					continue
				}
				select {
				case out <- events:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}

// EnsureSchema creates the backing table if it does not exist. Intended
// for demo/test bootstrapping; production deployments would run this as a
// migration instead.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS room_memberships (
			room_id          TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			content          JSONB NOT NULL,
			origin_server_ts BIGINT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		)`)
	if err != nil {
		return fmt.Errorf("roomservice: ensure schema: %w", err)
	}
	return nil
}
