package querydef

import (
	"context"
	"flag"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/common/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound reports a definition id the document store does not know.
var ErrNotFound = errors.New("query definition not found")

const (
	maxErrMsgLen = 1024

	// maxFragmentDepth caps {{> ref}} expansion so a definition chain that
	// grew too deep fails loudly instead of hiding a cycle the visited set
	// did not catch.
	maxFragmentDepth = 10
)

// StoreConfig configures the definition document store client.
type StoreConfig struct {
	URL       string                  `yaml:"url"`
	Timeout   time.Duration           `yaml:"timeout"`
	CacheSize int                     `yaml:"cache_size"`
	Client    config.HTTPClientConfig `yaml:"http_client,omitempty"`
}

func (cfg *StoreConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.URL, "definitions.url", "", "Base URL of the definition document store.")
	f.DurationVar(&cfg.Timeout, "definitions.timeout", 10*time.Second, "Timeout for definition fetches.")
	f.IntVar(&cfg.CacheSize, "definitions.cache-size", 256, "Number of definitions kept in memory.")
}

// Store fetches definitions over HTTP and keeps the hot set in an LRU. The
// id is the cache key, so pointing a consumer at a new definition id loads
// the new document without any invalidation step.
type Store struct {
	cfg    StoreConfig
	client *http.Client
	cache  *lru.Cache[string, *Definition]
	logger log.Logger
}

func NewStore(cfg StoreConfig, logger log.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("definition store URL is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}

	client, err := config.NewClientFromConfig(cfg.Client, "querydef")
	if err != nil {
		return nil, errors.Wrap(err, "building definition store client")
	}
	client.Timeout = cfg.Timeout

	cache, err := lru.New[string, *Definition](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Store{
		cfg:    cfg,
		client: client,
		cache:  cache,
		logger: log.With(logger, "component", "querydef"),
	}, nil
}

// Get returns the definition for id, hitting the document store on a cache
// miss.
func (s *Store) Get(ctx context.Context, id string) (*Definition, error) {
	if def, ok := s.cache.Get(id); ok {
		return def, nil
	}

	def, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, def)
	return def, nil
}

func (s *Store) fetch(ctx context.Context, id string) (*Definition, error) {
	u := strings.TrimSuffix(s.cfg.URL, "/") + "/definitions/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching definition %s", id)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrMsgLen))
		return nil, errors.Errorf("definition store returned %s for %s: %s", resp.Status, id, strings.TrimSpace(string(body)))
	}

	var def Definition
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading definition %s", id)
	}
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, errors.Wrapf(err, "decoding definition %s", id)
	}
	if def.ID == "" {
		def.ID = id
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	level.Debug(s.logger).Log("msg", "loaded definition", "id", id, "month", def.Month, "clientSave", def.ClientSave)
	return &def, nil
}

// Resolve loads a definition and expands every {{> ref}} fragment reference
// in its query text. The returned definition is a copy; the cached document
// keeps its raw text.
func (s *Store) Resolve(ctx context.Context, id string) (*Definition, error) {
	def, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	resolved := *def
	visited := map[string]bool{id: true}
	resolved.Query, err = s.expand(ctx, def.Query, visited, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving fragments of %s", id)
	}
	return &resolved, nil
}

func (s *Store) expand(ctx context.Context, query string, visited map[string]bool, depth int) (string, error) {
	refs := fragmentRef.FindAllStringSubmatchIndex(query, -1)
	if len(refs) == 0 {
		return query, nil
	}
	if depth >= maxFragmentDepth {
		return "", errors.Errorf("fragment nesting exceeds %d levels", maxFragmentDepth)
	}

	var b strings.Builder
	last := 0
	for _, m := range refs {
		refID := query[m[2]:m[3]]
		if visited[refID] {
			return "", errors.Errorf("fragment cycle through %s", refID)
		}

		ref, err := s.Get(ctx, refID)
		if err != nil {
			return "", err
		}

		visited[refID] = true
		expanded, err := s.expand(ctx, ref.Query, visited, depth+1)
		delete(visited, refID)
		if err != nil {
			return "", err
		}

		b.WriteString(query[last:m[0]])
		b.WriteString(expanded)
		last = m[1]
	}
	b.WriteString(query[last:])
	return b.String(), nil
}

// CacheLen reports how many definitions are held in memory.
func (s *Store) CacheLen() int {
	return s.cache.Len()
}
