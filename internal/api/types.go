package api

import "time"

// ContactHookRequest is the payload the contact-management collaborator
// posts on contact create/update/delete. A payload with deleted=true is
// the delete notification.
type ContactHookRequest struct {
	ID       string             `json:"id"`
	FullName string             `json:"full_name"`
	Email    string             `json:"email"`
	Timezone string             `json:"timezone"`
	Deleted  bool               `json:"deleted,omitempty"`
	Events   []EventDateRequest `json:"events"`
}

type EventDateRequest struct {
	Type  string `json:"type"`
	Month int    `json:"month"`
	Day   int    `json:"day"`
}

type ContactHookResponse struct {
	ID          string `json:"id"`
	Projections int    `json:"projections"`
}

type DeadRecordResponse struct {
	ID             string `json:"id"`
	ContactID      string `json:"contact_id"`
	EventType      string `json:"event_type"`
	OccurrenceDate string `json:"occurrence_date"`
	TargetAt       string `json:"target_at"`
	RetryCount     int    `json:"retry_count"`
	LastError      string `json:"last_error"`
	DeadAt         string `json:"dead_at"`
}

type ListDeadRecordsResponse struct {
	Records []DeadRecordResponse `json:"records"`
}

type ReplayResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
