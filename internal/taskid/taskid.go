// Package taskid mints the task ids stamped on identity locks. Ids are
// UUIDv7 so they sort by creation time.
package taskid

import "github.com/google/uuid"

// New returns a fresh task id.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}
