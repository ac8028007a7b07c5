// Package hub builds download URLs for model repositories hosted on a
// Hugging Face compatible hub.
package hub

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultURL        = "https://huggingface.co"
	DefaultRevision   = "main"
	DefaultRepository = "timinar/baby-llama-58m"

	EnvToken    = "HF_TOKEN"
	EnvEndpoint = "HF_ENDPOINT"
)

var ErrInvalidRepository = errors.New("repository must have the form org/name")

// Asset pairs a file in a repository with the cache key it is stored under.
type Asset struct {
	File string
	Key  string
}

var (
	Model     = Asset{File: "model.safetensors", Key: "model"}
	Tokenizer = Asset{File: "tokenizer.json", Key: "tokenizer"}
	Config    = Asset{File: "config.json", Key: "config"}
)

// Assets lists everything a generation engine needs, in download order.
func Assets() []Asset {
	return []Asset{Model, Tokenizer, Config}
}

// Keys returns the cache keys of Assets.
func Keys() []string {
	assets := Assets()
	keys := make([]string, len(assets))
	for i, a := range assets {
		keys[i] = a.Key
	}
	return keys
}

// Hub is a hub endpoint plus the revision and credentials used for every
// download from it. The zero value targets huggingface.co at main.
type Hub struct {
	URL      string
	Revision string
	Token    string
}

func New(baseURL, revision, token string) Hub {
	return Hub{URL: baseURL, Revision: revision, Token: token}
}

func (h Hub) base() string {
	if strings.TrimSpace(h.URL) == "" {
		return DefaultURL
	}
	return strings.TrimRight(strings.TrimSpace(h.URL), "/")
}

func (h Hub) revision() string {
	if strings.TrimSpace(h.Revision) == "" {
		return DefaultRevision
	}
	return strings.TrimSpace(h.Revision)
}

// ResolveURL returns <hub>/<repo>/resolve/<revision>/<file>.
func (h Hub) ResolveURL(repo, file string) (string, error) {
	if err := ValidateRepository(repo); err != nil {
		return "", err
	}
	file = strings.TrimLeft(file, "/")
	if file == "" {
		return "", errors.New("resolve: empty file name")
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s",
		h.base(), escapePath(repo), url.PathEscape(h.revision()), escapePath(file)), nil
}

// ValidateRepository accepts identifiers of the form org/name.
func ValidateRepository(repo string) error {
	org, name, ok := strings.Cut(repo, "/")
	if !ok || org == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidRepository, repo)
	}
	if strings.ContainsAny(repo, " \t\n") || org == ".." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidRepository, repo)
	}
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
