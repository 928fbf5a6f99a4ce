package models

import "fmt"

// User is the slice of the auth service's users row that the lobby service reads.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// FallbackUsername is shown when the users table has no row for an id.
func FallbackUsername(id int64) string {
	return fmt.Sprintf("player-%d", id)
}
