package pgstream

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/pondsync"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhereClause(t *testing.T) {
	t.Run("empty filter has no clause", func(t *testing.T) {
		where, args := whereClause(nil, 1)
		assert.Empty(t, where)
		assert.Empty(t, args)
	})

	t.Run("renders every operator with numbered placeholders", func(t *testing.T) {
		filter := pondsync.Eq("conversation_id", "c1").Neq("sender_id", "u1").In("status", "sent", "read")

		where, args := whereClause(filter, 3)

		assert.Equal(t, ` WHERE "conversation_id"::text = $3 AND "sender_id"::text IS DISTINCT FROM $4 AND "status"::text = ANY($5)`, where)
		require.Len(t, args, 3)
		assert.Equal(t, "c1", args[0])
		assert.Equal(t, "u1", args[1])
		assert.Equal(t, pq.Array([]string{"sent", "read"}), args[2])
	})

	t.Run("quotes identifiers", func(t *testing.T) {
		where, _ := whereClause(pondsync.Eq(`we"ird`, "x"), 1)
		assert.Equal(t, ` WHERE "we""ird"::text = $1`, where)
	})
}

func TestBuildSelect(t *testing.T) {
	query, args := buildSelect("messages", pondsync.Eq("conversation_id", "c1"))
	assert.Equal(t, `SELECT row_to_json(t)::text FROM "messages" AS t WHERE "conversation_id"::text = $1`, query)
	assert.Equal(t, []interface{}{"c1"}, args)

	query, args = buildSelect("messages", nil)
	assert.Equal(t, `SELECT row_to_json(t)::text FROM "messages" AS t`, query)
	assert.Empty(t, args)
}

func TestBuildInsert(t *testing.T) {
	t.Run("columns are sorted", func(t *testing.T) {
		query, args, err := buildInsert("messages", pondsync.Row{
			"sender_id":       "u1",
			"body":            "hi",
			"conversation_id": "c1",
		})
		require.NoError(t, err)

		assert.Equal(t, `INSERT INTO "messages" AS t ("body", "conversation_id", "sender_id") VALUES ($1, $2, $3) RETURNING row_to_json(t)::text`, query)
		assert.Equal(t, []interface{}{"hi", "c1", "u1"}, args)
	})

	t.Run("unencodable values are rejected", func(t *testing.T) {
		_, _, err := buildInsert("messages", pondsync.Row{"body": make(chan int)})
		assert.Error(t, err)
	})
}

func TestBuildUpdate(t *testing.T) {
	query, args, err := buildUpdate("messages", pondsync.Eq("conversation_id", "c1").Neq("sender_id", "u1"), pondsync.Row{
		"is_read": true,
		"body":    "edited",
	})
	require.NoError(t, err)

	assert.Equal(t, `UPDATE "messages" SET "body" = $1, "is_read" = $2 WHERE "conversation_id"::text = $3 AND "sender_id"::text IS DISTINCT FROM $4`, query)
	assert.Equal(t, []interface{}{"edited", true, "c1", "u1"}, args)
}

func TestSQLValue(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{"nil", nil, nil},
		{"string", "hi", "hi"},
		{"bool", true, true},
		{"float", 1.5, 1.5},
		{"time", at, at},
		{"string slice", []string{"a", "b"}, pq.Array([]string{"a", "b"})},
		{"map", map[string]int{"alice": 2}, `{"alice":2}`},
		{"row", pondsync.Row{"id": "m1"}, `{"id":"m1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sqlValue(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStoreUpdateWithoutPatch(t *testing.T) {
	n, err := NewStore(nil).Update(context.Background(), "messages", pondsync.Eq("id", "m1"), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNotifyFunctionQuery(t *testing.T) {
	t.Run("default channel", func(t *testing.T) {
		query := notifyFunctionQuery("")
		assert.Contains(t, query, `CREATE OR REPLACE FUNCTION "notify_event"() RETURNS TRIGGER`)
		assert.Contains(t, query, `PERFORM pg_notify('events', notification::text);`)
		assert.NotContains(t, query, "{{")
	})

	t.Run("custom channel gets its own function", func(t *testing.T) {
		query := notifyFunctionQuery("chat's changes")
		assert.Contains(t, query, `CREATE OR REPLACE FUNCTION "notify_event_chat's changes"() RETURNS TRIGGER`)
		assert.Contains(t, query, `PERFORM pg_notify('chat''s changes', notification::text);`)
	})
}

func TestCreateTriggerQuery(t *testing.T) {
	query := createTriggerQuery("messages", notifyFunctionName("chat"))
	assert.Contains(t, query, `CREATE TRIGGER "messages_notify_event_chat"`)
	assert.Contains(t, query, `ON "messages"`)
	assert.Contains(t, query, `EXECUTE PROCEDURE "notify_event_chat"();`)
}
