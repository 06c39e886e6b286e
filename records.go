// This file contains the typed record union for change payloads. Rows arriving from the
// change stream are loosely typed; DecodeRecord applies the schema of the named collection at
// the boundary so the reconciler and fan-out only ever handle typed records. Missing or
// malformed fields fall back to zero values instead of failing.
package pondsync

import (
	"time"
)

const (
	CollectionProfiles          = "profiles"
	CollectionPoints            = "user_points"
	CollectionMessages          = "messages"
	CollectionNotifications     = "notifications"
	CollectionConversations     = "conversations"
	CollectionWorkoutActivities = "workout_activities"
)

// Record is implemented by every typed row.
type Record interface {
	Collection() string
}

type Profile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type PointsEntry struct {
	UserID    string    `json:"user_id"`
	Points    int       `json:"points"`
	Level     int       `json:"level"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

type WorkoutActivity struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Activity  string    `json:"activity"`
	Minutes   int       `json:"minutes"`
	CreatedAt time.Time `json:"created_at"`
}

// UnknownRecord carries rows of collections without a registered schema.
type UnknownRecord struct {
	Name string
	Row  Row
}

func (Profile) Collection() string         { return CollectionProfiles }
func (PointsEntry) Collection() string     { return CollectionPoints }
func (Notification) Collection() string    { return CollectionNotifications }
func (WorkoutActivity) Collection() string { return CollectionWorkoutActivities }
func (ChatMessage) Collection() string     { return CollectionMessages }
func (Conversation) Collection() string    { return CollectionConversations }
func (u UnknownRecord) Collection() string { return u.Name }

// DecodeRecord converts row into the typed record for collection.
func DecodeRecord(collection string, row Row) Record {
	switch collection {
	case CollectionProfiles:
		return Profile{
			ID:          row.String("id"),
			DisplayName: row.String("display_name"),
			AvatarURL:   row.String("avatar_url"),
			UpdatedAt:   row.Time("updated_at"),
		}
	case CollectionPoints:
		return PointsEntry{
			UserID:    row.String("user_id"),
			Points:    row.Int("points"),
			Level:     row.Int("level"),
			UpdatedAt: row.Time("updated_at"),
		}
	case CollectionNotifications:
		return Notification{
			ID:        row.String("id"),
			UserID:    row.String("user_id"),
			Title:     row.String("title"),
			Body:      row.String("body"),
			Read:      row.Bool("read"),
			CreatedAt: row.Time("created_at"),
		}
	case CollectionWorkoutActivities:
		return WorkoutActivity{
			ID:        row.String("id"),
			UserID:    row.String("user_id"),
			Activity:  row.String("activity"),
			Minutes:   row.Int("minutes"),
			CreatedAt: row.Time("created_at"),
		}
	case CollectionMessages:
		return decodeMessage(row)
	case CollectionConversations:
		return Conversation{
			ID:                 row.String("id"),
			ParticipantIDs:     row.Strings("participant_ids"),
			LastMessagePreview: row.String("last_message_preview"),
			LastMessageAt:      row.Time("last_message_at"),
			UnreadCounts:       row.IntMap("unread_counts"),
		}
	}
	return UnknownRecord{Name: collection, Row: row.Clone()}
}

func decodeMessage(row Row) ChatMessage {
	return ChatMessage{
		ID:             row.String("id"),
		ConversationID: row.String("conversation_id"),
		SenderID:       row.String("sender_id"),
		Body:           row.String("body"),
		CreatedAt:      row.Time("created_at"),
		IsRead:         row.Bool("is_read"),
		Status:         StatusSent,
	}
}

// Row renders the message in its insert shape. The id is omitted while unknown.
func (m ChatMessage) Row() Row {
	row := Row{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"body":            m.Body,
		"created_at":      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"is_read":         m.IsRead,
	}
	if m.ID != "" {
		row["id"] = m.ID
	}
	return row
}
