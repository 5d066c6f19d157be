package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// ErrUnknownPost is returned by Sim for posts it never handed out.
var ErrUnknownPost = errors.New("remote: unknown post")

// Call is one invocation observed by Sim.
type Call struct {
	Op  string
	Arg string
}

// Sim is a deterministic in-process Client. Accounts that were not seeded
// with SetProfile are synthesised from a hash of the username, so the same
// target always yields the same profile, posts and likers. Failures can be
// scripted per operation with FailNext.
type Sim struct {
	mu        sync.Mutex
	profiles  map[string]Profile
	posts     map[string][]Post
	likers    map[string][]User
	comments  map[string][]Comment
	failures  map[string][]error
	calls     []Call
	loggedIn  bool
	likersPer int
}

// NewSim returns an empty simulator.
func NewSim() *Sim {
	return &Sim{
		profiles:  make(map[string]Profile),
		posts:     make(map[string][]Post),
		likers:    make(map[string][]User),
		comments:  make(map[string][]Comment),
		failures:  make(map[string][]error),
		likersPer: 20,
	}
}

// SetProfile seeds a profile, keyed by username.
func (s *Sim) SetProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UserID == "" {
		p.UserID = simID(p.Username)
	}
	s.profiles[p.Username] = p
}

// SetPosts seeds the posts of userID.
func (s *Sim) SetPosts(userID string, posts ...Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[userID] = append([]Post(nil), posts...)
}

// SetLikers seeds the likers of postID.
func (s *Sim) SetLikers(postID string, users ...User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.likers[postID] = append([]User(nil), users...)
}

// SetComments seeds the comments of postID.
func (s *Sim) SetComments(postID string, comments ...Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[postID] = append([]Comment(nil), comments...)
}

// FailNext queues errs to be returned by the next calls of op, in order.
func (s *Sim) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Calls returns a copy of every recorded call.
func (s *Sim) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountCalls returns how many times op was invoked.
func (s *Sim) CountCalls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (s *Sim) enter(ctx context.Context, op, arg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, Arg: arg})
	if queue := s.failures[op]; len(queue) > 0 {
		err := queue[0]
		s.failures[op] = queue[1:]
		return err
	}
	return nil
}

// Login accepts any non-empty username. A presented session blob is reused.
func (s *Sim) Login(ctx context.Context, creds Credentials) ([]byte, error) {
	if err := s.enter(ctx, "login", creds.Username); err != nil {
		return nil, err
	}
	if creds.Username == "" {
		return nil, errors.New("remote: login_required: empty username")
	}
	s.mu.Lock()
	s.loggedIn = true
	s.mu.Unlock()
	if len(creds.Session) > 0 {
		return creds.Session, nil
	}
	sum := sha256.Sum256([]byte(creds.Username + "\x00" + creds.Password))
	blob := fmt.Sprintf(`{"user":%q,"token":%q,"issued":%q}`, creds.Username, hex.EncodeToString(sum[:]), time.Now().UTC().Format(time.RFC3339))
	return []byte(blob), nil
}

// FetchProfile returns the seeded or synthesised profile for username.
func (s *Sim) FetchProfile(ctx context.Context, username string) (Profile, error) {
	if err := s.enter(ctx, "fetch_profile", username); err != nil {
		return Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[username]; ok {
		return p, nil
	}
	h := simHash(username)
	p := Profile{
		UserID:        simID(username),
		Username:      username,
		FullName:      "Sim " + username,
		Followers:     int(h % 5000),
		Following:     int((h >> 16) % 2000),
		Posts:         int((h >> 32) % 300),
		HasProfilePic: h%7 != 0,
		Private:       h%11 == 0,
		Business:      h%13 == 0,
		Verified:      h%97 == 0,
	}
	s.profiles[username] = p
	return p, nil
}

// FetchRecentPosts returns up to limit posts of userID, newest first.
func (s *Sim) FetchRecentPosts(ctx context.Context, userID string, limit int) ([]Post, error) {
	if err := s.enter(ctx, "fetch_recent_posts", userID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	posts, ok := s.posts[userID]
	if !ok {
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 6; i++ {
			posts = append(posts, Post{
				ID:      fmt.Sprintf("%s_p%d", userID, i),
				OwnerID: userID,
				TakenAt: base.Add(-time.Duration(i) * 24 * time.Hour),
			})
		}
		s.posts[userID] = posts
	}
	sorted := append([]Post(nil), posts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TakenAt.After(sorted[j].TakenAt) })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

// FetchLikers returns the likers of postID.
func (s *Sim) FetchLikers(ctx context.Context, postID string) ([]User, error) {
	if err := s.enter(ctx, "fetch_likers", postID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if users, ok := s.likers[postID]; ok {
		return append([]User(nil), users...), nil
	}
	users := make([]User, 0, s.likersPer)
	for i := 0; i < s.likersPer; i++ {
		name := fmt.Sprintf("u%x", simHash(fmt.Sprintf("%s/%d", postID, i))%0xfffff)
		users = append(users, User{ID: simID(name), Username: name})
	}
	s.likers[postID] = users
	return append([]User(nil), users...), nil
}

// FetchComments returns up to limit comments of postID.
func (s *Sim) FetchComments(ctx context.Context, postID string, limit int) ([]Comment, error) {
	if err := s.enter(ctx, "fetch_comments", postID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	comments := append([]Comment(nil), s.comments[postID]...)
	if limit > 0 && len(comments) > limit {
		comments = comments[:limit]
	}
	return comments, nil
}

// Like records a like.
func (s *Sim) Like(ctx context.Context, postID string) error {
	return s.enter(ctx, "like", postID)
}

// Follow records a follow.
func (s *Sim) Follow(ctx context.Context, userID string) error {
	return s.enter(ctx, "follow", userID)
}

// SendMessage records a direct message.
func (s *Sim) SendMessage(ctx context.Context, userIDs []string, text string) error {
	if len(userIDs) == 0 {
		return errors.New("remote: message needs a recipient")
	}
	return s.enter(ctx, "send_message", userIDs[0])
}

func simHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func simID(username string) string {
	return fmt.Sprintf("%d", simHash("id:"+username)%1_000_000_000)
}
