// Package remote defines the port through which workers talk to the social
// network. Concrete API clients live outside this repository; Sim is the
// deterministic in-process implementation used for dry runs and tests.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Client kinds accepted by New.
const (
	KindSim = "sim"
)

// Credentials authenticate a Login. Session is a previously saved session
// blob and may be nil.
type Credentials struct {
	Username string
	Password string
	Session  []byte
}

// Profile describes an account.
type Profile struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	FullName      string `json:"full_name,omitempty"`
	Followers     int    `json:"followers"`
	Following     int    `json:"following"`
	Posts         int    `json:"posts"`
	HasProfilePic bool   `json:"has_profile_pic"`
	Private       bool   `json:"private"`
	Business      bool   `json:"business"`
	Verified      bool   `json:"verified"`
}

// FirstName returns the first word of FullName, or the username.
func (p Profile) FirstName() string {
	if fields := strings.Fields(p.FullName); len(fields) > 0 {
		return fields[0]
	}
	return p.Username
}

// Post is a published media item.
type Post struct {
	ID      string    `json:"id"`
	OwnerID string    `json:"owner_id"`
	TakenAt time.Time `json:"taken_at"`
}

// User is the short form of an account returned by liker and commenter
// listings.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
}

// Comment is a comment on a post.
type Comment struct {
	ID   string `json:"id"`
	User User   `json:"user"`
	Text string `json:"text"`
}

// Client is the remote account API used by workers. Every method honours
// ctx cancellation and deadlines.
type Client interface {
	// Login authenticates and returns the session blob to persist.
	Login(ctx context.Context, creds Credentials) ([]byte, error)
	FetchProfile(ctx context.Context, username string) (Profile, error)
	FetchRecentPosts(ctx context.Context, userID string, limit int) ([]Post, error)
	FetchLikers(ctx context.Context, postID string) ([]User, error)
	FetchComments(ctx context.Context, postID string, limit int) ([]Comment, error)
	Like(ctx context.Context, postID string) error
	Follow(ctx context.Context, userID string) error
	SendMessage(ctx context.Context, userIDs []string, text string) error
}

// New returns a client of the given kind.
func New(kind string) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindSim:
		return NewSim(), nil
	default:
		return nil, fmt.Errorf("remote: unsupported client kind %q", kind)
	}
}
