package models

import "time"

// ActivityEntry is one line of the audit trail. Details carries the
// action-specific payload recorded at write time.
type ActivityEntry struct {
	ID        int64                  `json:"id"`
	UserID    string                 `json:"userId"`
	UserName  string                 `json:"userName,omitempty"`
	Action    string                 `json:"action"`
	Entity    string                 `json:"entity"`
	EntityID  string                 `json:"entityId"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
