package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hades/internal/db"
	"hades/internal/events"
	"hades/internal/migrate"
)

func openJournal(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{DSN: db.MemoryDSN("repo-" + uuid.NewString())})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return conn
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openJournal(t)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestEventsByMission(t *testing.T) {
	conn := openJournal(t)
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := events.Writer{DB: conn, Now: func() time.Time { clock = clock.Add(time.Second); return clock }}

	m1, m2 := uuid.NewString(), uuid.NewString()
	require.NoError(t, w.Append(ctx, events.MissionSubmitted, m1, "mission", m1, events.EventPayload{"name": "t1"}))
	require.NoError(t, w.Append(ctx, events.MissionSubmitted, m2, "mission", m2, nil))
	require.NoError(t, w.Append(ctx, events.MissionStarted, m1, "mission", m1, nil))
	require.NoError(t, w.Append(ctx, events.SystemAborted, m1, "system", "1", events.EventPayload{"type": "persona"}))
	require.NoError(t, w.Append(ctx, events.MissionFinished, m1, "mission", m1, nil))

	r := Repo{DB: conn}
	after, err := r.EventsAfter(ctx, 0, 0, m1, "")
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, events.MissionSubmitted, after[0].Type)
	assert.JSONEq(t, `{"name":"t1"}`, after[0].Payload)
	assert.Equal(t, "system", after[2].EntityKind)
	assert.Equal(t, "1", after[2].EntityID)

	page, err := r.EventsAfter(ctx, 2, after[1].ID, m1, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, events.SystemAborted, page[0].Type)

	finished, err := r.EventsAfter(ctx, 0, after[0].ID, m1, events.MissionFinished)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, after[3].ID, finished[0].ID)

	latest, err := r.LatestEventsFrom(ctx, 1, 0, m1, "")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, events.MissionFinished, latest[0].Type)

	aborted, err := r.LatestEventsFrom(ctx, 10, 0, "", events.SystemAborted)
	require.NoError(t, err)
	assert.Len(t, aborted, 1)

	older, err := r.LatestEventsFrom(ctx, 10, after[2].ID, m1, "")
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, after[1].ID, older[0].ID)

	last, err := r.LastEvent(ctx, m2)
	require.NoError(t, err)
	assert.Equal(t, events.MissionSubmitted, last.Type)
	last, err = r.LastEvent(ctx, m1)
	require.NoError(t, err)
	assert.Equal(t, after[3].ID, last.ID)
	_, err = r.LastEvent(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
