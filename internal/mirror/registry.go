package mirror

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	fileutil "sdhost/internal/file"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidMirror  = errors.New("invalid mirror")
	ErrMirrorNotFound = errors.New("mirror not found")
)

const defaultProbeTimeout = 10 * time.Second

// Options configures a Registry.
type Options struct {
	Family Family
	// StorePath is the JSON file holding custom mirrors. Empty keeps them in memory.
	StorePath    string
	DefaultID    string
	Client       *http.Client
	ProbeTimeout time.Duration
	UserAgent    string
	// ProbeTarget overrides the URL probed for a mirror.
	ProbeTarget func(Mirror) string
}

// Registry holds the built-in and custom mirrors of one family.
type Registry struct {
	family       Family
	storePath    string
	defaultID    string
	client       *http.Client
	probeTimeout time.Duration
	userAgent    string
	probeTarget  func(Mirror) string

	mu        sync.RWMutex
	builtins  []Mirror
	custom    []Mirror
	lastProbe []ProbeResult
}

// NewRegistry creates a registry and loads persisted custom mirrors.
func NewRegistry(opts Options) (*Registry, error) {
	if _, ok := ParseFamily(string(opts.Family)); !ok {
		return nil, fmt.Errorf("unknown mirror family %q", opts.Family)
	}
	r := &Registry{
		family:       opts.Family,
		storePath:    opts.StorePath,
		defaultID:    opts.DefaultID,
		client:       opts.Client,
		probeTimeout: opts.ProbeTimeout,
		userAgent:    opts.UserAgent,
		probeTarget:  opts.ProbeTarget,
		builtins:     Builtins(opts.Family),
	}
	if r.defaultID == "" {
		r.defaultID = DefaultID(opts.Family)
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.probeTimeout <= 0 {
		r.probeTimeout = defaultProbeTimeout
	}
	if r.probeTarget == nil {
		r.probeTarget = r.defaultProbeTarget
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Family returns the family this registry serves.
func (r *Registry) Family() Family { return r.family }

// ListAll returns built-in mirrors followed by custom ones.
func (r *Registry) ListAll() []Mirror {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mirror, 0, len(r.builtins)+len(r.custom))
	out = append(out, r.builtins...)
	out = append(out, r.custom...)
	return out
}

// Get finds a mirror by id.
func (r *Registry) Get(id string) (Mirror, bool) {
	for _, m := range r.ListAll() {
		if m.ID == id {
			return m, true
		}
	}
	return Mirror{}, false
}

// Default returns the designated fallback mirror.
func (r *Registry) Default() Mirror {
	if m, ok := r.Get(r.defaultID); ok {
		return m
	}
	return r.builtins[0]
}

// Resolve returns the mirror for id, or the default one when id is empty.
func (r *Registry) Resolve(id string) (Mirror, error) {
	if id == "" {
		return r.Default(), nil
	}
	m, ok := r.Get(id)
	if !ok {
		return Mirror{}, fmt.Errorf("%w: %s", ErrMirrorNotFound, id)
	}
	return m, nil
}

// Add validates def, assigns it a fresh id and persists it.
func (r *Registry) Add(def Mirror) (Mirror, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return Mirror{}, fmt.Errorf("%w: empty name", ErrInvalidMirror)
	}
	base := strings.TrimRight(strings.TrimSpace(def.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Mirror{}, fmt.Errorf("%w: bad base url %q", ErrInvalidMirror, def.BaseURL)
	}
	kind := def.Kind
	switch kind {
	case KindDirect, KindProxy:
	case "":
		kind = KindDirect
		if r.family == Engine {
			kind = KindProxy
		}
	default:
		return Mirror{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidMirror, def.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m := Mirror{
		ID:       r.freshIDLocked(),
		Name:     name,
		BaseURL:  base,
		Kind:     kind,
		ProxyAPI: def.ProxyAPI,
	}
	custom := append(append([]Mirror(nil), r.custom...), m)
	if err := r.saveLocked(custom); err != nil {
		return Mirror{}, err
	}
	r.custom = custom
	log.Info().Str("family", string(r.family)).Str("mirror_id", m.ID).Str("base_url", m.BaseURL).Msg("custom mirror added")
	return m, nil
}

// Remove deletes a custom mirror. Built-ins are not searched, so removing one
// reports false just like an unknown id.
func (r *Registry) Remove(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i, m := range r.custom {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	custom := make([]Mirror, 0, len(r.custom)-1)
	custom = append(custom, r.custom[:idx]...)
	custom = append(custom, r.custom[idx+1:]...)
	if err := r.saveLocked(custom); err != nil {
		return false, err
	}
	r.custom = custom
	log.Info().Str("family", string(r.family)).Str("mirror_id", id).Msg("custom mirror removed")
	return true, nil
}

func (r *Registry) freshIDLocked() string {
	for {
		id := "custom_" + uuid.NewString()
		taken := false
		for _, m := range r.builtins {
			taken = taken || m.ID == id
		}
		for _, m := range r.custom {
			taken = taken || m.ID == id
		}
		if !taken {
			return id
		}
	}
}

func (r *Registry) load() error {
	if r.storePath == "" {
		return nil
	}
	var stored []Mirror
	if err := fileutil.ReadJSON(r.storePath, &stored); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load custom mirrors: %w", err)
	}
	for _, m := range stored {
		m.Builtin = false
		r.custom = append(r.custom, m)
	}
	return nil
}

func (r *Registry) saveLocked(custom []Mirror) error {
	if r.storePath == "" {
		return nil
	}
	if custom == nil {
		custom = []Mirror{}
	}
	if err := fileutil.WriteJSONAtomic(r.storePath, custom); err != nil {
		return fmt.Errorf("save custom mirrors: %w", err)
	}
	return nil
}
