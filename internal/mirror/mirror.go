package mirror

import (
	"net/url"
	"strings"
)

// Family separates mirrors for model weights from mirrors for engine binaries.
type Family string

const (
	Weights Family = "weights"
	Engine  Family = "engine"
)

// ParseFamily validates a family name coming from a caller.
func ParseFamily(s string) (Family, bool) {
	switch Family(s) {
	case Weights, Engine:
		return Family(s), true
	default:
		return "", false
	}
}

// Kind says how a mirror rewrites upstream URLs.
type Kind string

const (
	// KindDirect serves the same paths as upstream under its own base URL.
	KindDirect Kind = "direct"
	// KindProxy prefixes the full upstream URL with its base URL.
	KindProxy Kind = "proxy"
)

// ReleasesAPI is the GitHub releases endpoint of the engine project.
const ReleasesAPI = "https://api.github.com/repos/leejet/stable-diffusion.cpp/releases"

// HuggingFaceURL is the upstream host for model weights.
const HuggingFaceURL = "https://huggingface.co"

// Mirror is an alternate endpoint for the same upstream content.
type Mirror struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Kind     Kind   `json:"kind"`
	ProxyAPI bool   `json:"proxy_api,omitempty"`
	Builtin  bool   `json:"builtin"`
}

var builtins = map[Family][]Mirror{
	Weights: {
		{ID: "huggingface", Name: "Hugging Face", BaseURL: HuggingFaceURL, Kind: KindDirect, Builtin: true},
		{ID: "hf-mirror", Name: "HF Mirror", BaseURL: "https://hf-mirror.com", Kind: KindDirect, Builtin: true},
	},
	Engine: {
		{ID: "github", Name: "GitHub", BaseURL: "https://github.com", Kind: KindDirect, Builtin: true},
		{ID: "ghfast", Name: "GHFast", BaseURL: "https://ghfast.top", Kind: KindProxy, Builtin: true},
		{ID: "ghproxy", Name: "GHProxy", BaseURL: "https://mirror.ghproxy.com", Kind: KindProxy, Builtin: true},
		{ID: "moeyy", Name: "Moeyy", BaseURL: "https://github.moeyy.xyz", Kind: KindProxy, Builtin: true},
	},
}

var defaultIDs = map[Family]string{
	Weights: "huggingface",
	Engine:  "github",
}

// Builtins returns a copy of the built-in mirrors of f.
func Builtins(f Family) []Mirror {
	out := make([]Mirror, len(builtins[f]))
	copy(out, builtins[f])
	return out
}

// DefaultID returns the mirror used when nothing better is known.
func DefaultID(f Family) string { return defaultIDs[f] }

// ProxyURL routes an upstream URL through m. Direct mirrors leave it unchanged.
func (m Mirror) ProxyURL(upstream string) string {
	if m.Kind != KindProxy {
		return upstream
	}
	return strings.TrimRight(m.BaseURL, "/") + "/" + upstream
}

// APIURL returns the releases API URL, proxied only for mirrors that proxy the API.
func (m Mirror) APIURL(suffix string) string {
	api := ReleasesAPI + suffix
	if m.Kind == KindProxy && m.ProxyAPI {
		return m.ProxyURL(api)
	}
	return api
}

// FileURL returns the download URL of file in a Hugging Face style repo.
func (m Mirror) FileURL(repo, file string) string {
	segments := strings.Split(strings.Trim(file, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	rel := strings.Trim(repo, "/") + "/resolve/main/" + strings.Join(segments, "/")
	if m.Kind == KindProxy {
		return m.ProxyURL(HuggingFaceURL + "/" + rel)
	}
	return strings.TrimRight(m.BaseURL, "/") + "/" + rel
}
