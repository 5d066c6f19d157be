// Package workerconfig loads worker definitions from a strict YAML file.
// Unknown keys are rejected so typos surface at load time instead of as a
// silently ignored setting.
package workerconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/sessiond/internal/pacing"
	"pkt.systems/sessiond/internal/proxy"
	"pkt.systems/sessiond/internal/ratelimit"
	"pkt.systems/sessiond/internal/remote"
	"pkt.systems/sessiond/internal/storage"
)

// Interaction modes select where candidate users come from.
const (
	ModeLikers     = "likers"
	ModeCommenters = "commenters"
	ModeBoth       = "both"
)

const (
	DefaultMinDelay       = 300 * time.Second
	DefaultMaxDelay       = 600 * time.Second
	DefaultPostsToLike    = 2
	DefaultPostsToAnalyze = 3
)

// File is the top-level document.
type File struct {
	Workers []Worker `yaml:"workers"`
}

// Worker describes one automation worker.
type Worker struct {
	ID          string   `yaml:"id" json:"id"`
	Identity    string   `yaml:"identity" json:"identity"`
	Password    string   `yaml:"password" json:"-"`
	Targets     []string `yaml:"targets" json:"targets"`
	MainAccount string   `yaml:"main_account" json:"main_account"`
	// Messages are direct message variants. {name} and {main_account} are
	// substituted per recipient.
	Messages        []string         `yaml:"messages" json:"messages"`
	Limits          ratelimit.Limits `yaml:"limits" json:"limits"`
	MinDelay        time.Duration    `yaml:"min_delay" json:"min_delay"`
	MaxDelay        time.Duration    `yaml:"max_delay" json:"max_delay"`
	PostsToLike     int              `yaml:"posts_to_like" json:"posts_to_like"`
	PostsToAnalyze  int              `yaml:"posts_to_analyze" json:"posts_to_analyze"`
	InteractionMode string           `yaml:"interaction_mode" json:"interaction_mode"`
	// Filters default to DefaultFilters when the block is omitted.
	Filters    *Filters     `yaml:"filters" json:"filters,omitempty"`
	Proxy      proxy.Config `yaml:"proxy" json:"proxy"`
	ClientKind string       `yaml:"client" json:"client"`
	MaxCycles  int          `yaml:"max_cycles" json:"max_cycles"`
}

// Filters bound which profiles a worker interacts with. A zero maximum
// means unbounded.
type Filters struct {
	MinFollowers   int  `yaml:"min_followers" json:"min_followers"`
	MaxFollowers   int  `yaml:"max_followers" json:"max_followers"`
	MinFollowing   int  `yaml:"min_following" json:"min_following"`
	MaxFollowing   int  `yaml:"max_following" json:"max_following"`
	MinPosts       int  `yaml:"min_posts" json:"min_posts"`
	RequirePicture bool `yaml:"require_profile_pic" json:"require_profile_pic"`
	AllowPrivate   bool `yaml:"allow_private" json:"allow_private"`
	SkipBusiness   bool `yaml:"skip_business" json:"skip_business"`
	SkipVerified   bool `yaml:"skip_verified" json:"skip_verified"`
}

// DefaultFilters returns the filters applied when none are configured.
func DefaultFilters() Filters {
	return Filters{
		MinFollowers:   100,
		MaxFollowers:   50000,
		MinFollowing:   50,
		MaxFollowing:   5000,
		MinPosts:       3,
		RequirePicture: true,
	}
}

// Match reports whether p passes the filters and, if not, which rule
// rejected it.
func (f Filters) Match(p remote.Profile) (bool, string) {
	switch {
	case p.Followers < f.MinFollowers || (f.MaxFollowers > 0 && p.Followers > f.MaxFollowers):
		return false, "followers"
	case p.Following < f.MinFollowing || (f.MaxFollowing > 0 && p.Following > f.MaxFollowing):
		return false, "following"
	case p.Posts < f.MinPosts:
		return false, "posts"
	case f.RequirePicture && !p.HasProfilePic:
		return false, "profile_pic"
	case p.Private && !f.AllowPrivate:
		return false, "private"
	case f.SkipBusiness && p.Business:
		return false, "business"
	case f.SkipVerified && p.Verified:
		return false, "verified"
	}
	return true, ""
}

// Delay returns the per-user pause range.
func (w Worker) Delay() pacing.Range {
	return pacing.Range{Min: w.MinDelay, Max: w.MaxDelay}
}

// EffectiveFilters returns the configured filters or the defaults.
func (w Worker) EffectiveFilters() Filters {
	if w.Filters == nil {
		return DefaultFilters()
	}
	return *w.Filters
}

// WantsLikers reports whether likers are collected.
func (w Worker) WantsLikers() bool {
	return w.InteractionMode == ModeLikers || w.InteractionMode == ModeBoth
}

// WantsCommenters reports whether commenters are collected.
func (w Worker) WantsCommenters() bool {
	return w.InteractionMode == ModeCommenters || w.InteractionMode == ModeBoth
}

// ApplyDefaults fills unset optional fields.
func (w *Worker) ApplyDefaults() {
	w.ID = strings.TrimSpace(w.ID)
	w.Identity = strings.TrimSpace(w.Identity)
	w.Limits = w.Limits.WithDefaults()
	if w.MinDelay == 0 && w.MaxDelay == 0 {
		w.MinDelay, w.MaxDelay = DefaultMinDelay, DefaultMaxDelay
	}
	if w.PostsToLike == 0 {
		w.PostsToLike = DefaultPostsToLike
	}
	if w.PostsToAnalyze == 0 {
		w.PostsToAnalyze = DefaultPostsToAnalyze
	}
	if w.InteractionMode == "" {
		w.InteractionMode = ModeBoth
	}
	w.InteractionMode = strings.ToLower(w.InteractionMode)
	if w.ClientKind == "" {
		w.ClientKind = remote.KindSim
	}
}

// Validate checks required fields and value ranges.
func (w Worker) Validate() error {
	var errs []error
	if w.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if w.Identity == "" {
		errs = append(errs, errors.New("identity is required"))
	} else if err := storage.ValidateIdentity(w.Identity); err != nil {
		errs = append(errs, err)
	}
	if w.Password == "" && w.ClientKind != remote.KindSim {
		errs = append(errs, errors.New("password is required"))
	}
	if len(w.Targets) == 0 {
		errs = append(errs, errors.New("targets must list at least one account"))
	}
	if err := w.Delay().Validate(); err != nil {
		errs = append(errs, err)
	}
	if w.PostsToLike < 0 || w.PostsToAnalyze < 0 || w.MaxCycles < 0 {
		errs = append(errs, errors.New("posts_to_like, posts_to_analyze and max_cycles must be >= 0"))
	}
	switch w.InteractionMode {
	case ModeLikers, ModeCommenters, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("interaction_mode %q must be likers, commenters or both", w.InteractionMode))
	}
	if err := w.Limits.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := w.Proxy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	name := w.ID
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Errorf("worker %s: %w", name, errors.Join(errs...))
}

// Parse decodes and validates a worker file from r.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("workerconfig: file is empty")
		}
		return nil, fmt.Errorf("workerconfig: decode: %w", err)
	}
	for i := range f.Workers {
		f.Workers[i].ApplyDefaults()
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workerconfig: read %s: %w", path, err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Validate checks every worker and rejects duplicate ids or identities.
func (f *File) Validate() error {
	if len(f.Workers) == 0 {
		return errors.New("workerconfig: no workers defined")
	}
	var errs []error
	ids := make(map[string]struct{}, len(f.Workers))
	identities := make(map[string]string, len(f.Workers))
	for _, w := range f.Workers {
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := ids[w.ID]; dup {
			errs = append(errs, fmt.Errorf("worker %s: duplicate id", w.ID))
		}
		ids[w.ID] = struct{}{}
		if other, dup := identities[w.Identity]; dup {
			errs = append(errs, fmt.Errorf("worker %s: identity %q already used by worker %s", w.ID, w.Identity, other))
		}
		identities[w.Identity] = w.ID
	}
	if len(errs) > 0 {
		return fmt.Errorf("workerconfig: %w", errors.Join(errs...))
	}
	return nil
}

// Lookup returns the worker with id.
func (f *File) Lookup(id string) (Worker, bool) {
	for _, w := range f.Workers {
		if w.ID == id {
			return w, true
		}
	}
	return Worker{}, false
}
