package pgstream

import (
	"strings"

	"github.com/eleven-am/pondsync"
	json "github.com/goccy/go-json"
	"github.com/lib/pq"
)

const (
	// DefaultChannel is the NOTIFY channel the trigger function publishes on.
	DefaultChannel = "events"

	notifyEventFunctionTemplate = `CREATE OR REPLACE FUNCTION {{function}}() RETURNS TRIGGER AS $$

	DECLARE
		data json;
		notification json;

	BEGIN

		CASE TG_OP
		WHEN 'INSERT' THEN
			data = json_build_object(
				'new', row_to_json(NEW)
			);
		WHEN 'DELETE' THEN
			data = json_build_object(
				'old', row_to_json(OLD)
			);
		ELSE
			data = json_build_object(
				'old', row_to_json(OLD),
				'new', row_to_json(NEW)
			);
		END CASE;

		-- pg_notify payloads are capped at 8000 bytes.
		IF LENGTH(data::text) >= 7500 THEN
			data = json_build_object(
				'is_too_long_payload', TRUE,
				'old_id', row_to_json(OLD)::jsonb->>'id',
				'new_id', row_to_json(NEW)::jsonb->>'id'
			);
		END IF;

		notification = json_build_object(
						'event_id', md5(''||now()::text||random()::text),
						'table', TG_TABLE_NAME,
						'action', TG_OP,
						'data', data);

		PERFORM pg_notify({{channel}}, notification::text);

		RETURN NULL;
	END;

$$ LANGUAGE plpgsql;`
)

// notifyFunctionName names the trigger function publishing on channel. The default channel keeps
// the plain notify_event name.
func notifyFunctionName(channel string) string {
	if channel == "" || channel == DefaultChannel {
		return "notify_event"
	}
	return "notify_event_" + channel
}

func notifyFunctionQuery(channel string) string {
	if channel == "" {
		channel = DefaultChannel
	}
	return strings.NewReplacer(
		"{{function}}", pq.QuoteIdentifier(notifyFunctionName(channel)),
		"{{channel}}", pq.QuoteLiteral(channel),
	).Replace(notifyEventFunctionTemplate)
}

type (
	// EventPayload is the notification emitted by the notify_event trigger.
	EventPayload struct {
		EventID string           `json:"event_id"`
		Table   string           `json:"table"`
		Action  string           `json:"action"`
		Data    EventPayloadData `json:"data"`
	}
	// EventPayloadData carries the row images, or only their ids when the images were too long.
	EventPayloadData struct {
		IsTooLongPayload bool         `json:"is_too_long_payload,omitempty"`
		OldID            string       `json:"old_id,omitempty"`
		NewID            string       `json:"new_id,omitempty"`
		Old              pondsync.Row `json:"old,omitempty"`
		New              pondsync.Row `json:"new,omitempty"`
	}
)

// GetID returns the row id of a truncated payload.
func (e EventPayload) GetID() string {
	if e.Data.IsTooLongPayload {
		if e.Data.NewID != "" {
			return e.Data.NewID
		}
		return e.Data.OldID
	}
	return ""
}

// ParsePayload decodes a notification payload.
func ParsePayload(extra string) (EventPayload, error) {
	var payload EventPayload
	err := json.Unmarshal([]byte(extra), &payload)
	return payload, err
}

// ChangeEvent converts the payload into a pondsync change event.
func (e EventPayload) ChangeEvent() pondsync.ChangeEvent {
	return pondsync.ChangeEvent{
		Collection: e.Table,
		Kind:       pondsync.EventKind(e.Action),
		New:        e.Data.New,
		Old:        e.Data.Old,
	}
}
