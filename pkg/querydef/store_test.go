package querydef

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func definitionServer(t *testing.T, defs map[string]*Definition, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		id := r.URL.Path[len("/definitions/"):]
		def, ok := defs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, stdjson.NewEncoder(w).Encode(def))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestStore(t *testing.T, defs map[string]*Definition, hits *atomic.Int64) *Store {
	t.Helper()
	server := definitionServer(t, defs, hits)
	store, err := NewStore(StoreConfig{URL: server.URL, Timeout: time.Second, CacheSize: 16}, log.NewNopLogger())
	require.NoError(t, err)
	return store
}

func TestStoreGetCaches(t *testing.T) {
	var hits atomic.Int64
	store := newTestStore(t, map[string]*Definition{
		"orders": {ID: "orders", Query: "select orders"},
	}, &hits)

	def, err := store.Get(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, "select orders", def.Query)

	_, err = store.Get(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())
	require.Equal(t, 1, store.CacheLen())
}

func TestStoreGetNotFound(t *testing.T) {
	var hits atomic.Int64
	store := newTestStore(t, nil, &hits)

	_, err := store.Get(context.Background(), "ghost")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestResolveExpandsFragments(t *testing.T) {
	var hits atomic.Int64
	store := newTestStore(t, map[string]*Definition{
		"outer":  {ID: "outer", Query: "with base as ({{> base}}) select * from base"},
		"base":   {ID: "base", Query: "select * from ({{> inner}})"},
		"inner":  {ID: "inner", Query: "raw rows"},
		"plain":  {ID: "plain", Query: "no refs here"},
		"shared": {ID: "shared", Query: "{{> inner}} union {{> inner}}"},
	}, &hits)

	def, err := store.Resolve(context.Background(), "outer")
	require.NoError(t, err)
	require.Equal(t, "with base as (select * from (raw rows)) select * from base", def.Query)

	// The cached document keeps its raw text.
	raw, err := store.Get(context.Background(), "outer")
	require.NoError(t, err)
	require.Contains(t, raw.Query, "{{> base}}")

	def, err = store.Resolve(context.Background(), "plain")
	require.NoError(t, err)
	require.Equal(t, "no refs here", def.Query)

	// Sharing a fragment is not a cycle.
	def, err = store.Resolve(context.Background(), "shared")
	require.NoError(t, err)
	require.Equal(t, "raw rows union raw rows", def.Query)
}

func TestResolveDetectsCycle(t *testing.T) {
	var hits atomic.Int64
	store := newTestStore(t, map[string]*Definition{
		"a":    {ID: "a", Query: "start {{> b}}"},
		"b":    {ID: "b", Query: "middle {{> a}}"},
		"self": {ID: "self", Query: "me {{> self}}"},
	}, &hits)

	_, err := store.Resolve(context.Background(), "a")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")

	_, err = store.Resolve(context.Background(), "self")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestFragmentRefs(t *testing.T) {
	def := Definition{Query: "a {{> one}} b {{>two }} c {{ not-a-ref }}"}
	require.Equal(t, []string{"one", "two"}, def.FragmentRefs())

	plain := Definition{Query: "plain"}
	require.Nil(t, plain.FragmentRefs())
}

func TestMergeVariables(t *testing.T) {
	def := Definition{Variables: map[string]interface{}{"limit": 10, "region": "eu"}}

	merged := def.MergeVariables(map[string]interface{}{"region": "us", "extra": true})
	require.Equal(t, 10, merged["limit"])
	require.Equal(t, "us", merged["region"])
	require.Equal(t, true, merged["extra"])
	// Defaults must not be mutated.
	require.Equal(t, "eu", def.Variables["region"])
}

func TestValidate(t *testing.T) {
	require.Error(t, (&Definition{}).Validate())
	require.Error(t, (&Definition{ID: "x"}).Validate())
	require.NoError(t, (&Definition{ID: "x", Query: "q"}).Validate())
}

func TestEndpointResolve(t *testing.T) {
	cfg := EndpointConfig{
		Default: Endpoint{URL: "https://default.example"},
		ByKey: map[string]Endpoint{
			"reporting": {URL: "https://reporting.example"},
		},
	}

	ep, err := cfg.Resolve("")
	require.NoError(t, err)
	require.Equal(t, "https://default.example", ep.URL)

	ep, err = cfg.Resolve("reporting")
	require.NoError(t, err)
	require.Equal(t, "https://reporting.example", ep.URL)

	_, err = cfg.Resolve("ghost")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownEndpoint))

	_, err = EndpointConfig{}.Resolve("")
	require.Error(t, err)
}

func TestSearchableFields(t *testing.T) {
	def := Definition{
		ClientSave:   true,
		SearchFields: map[string][]string{"orders": {"name", "customer.city"}},
	}
	require.Equal(t, []string{"name", "customer.city"}, def.SearchableFields("orders"))
	require.Nil(t, def.SearchableFields("totals"))

	def.ClientSave = false
	require.Nil(t, def.SearchableFields("orders"))
}

func TestSortableField(t *testing.T) {
	open := Definition{}
	require.True(t, open.SortableField("orders", "anything"))

	def := Definition{
		SortFields: map[string][]string{"orders": {"name", "total"}},
	}
	require.True(t, def.SortableField("orders", "name"))
	require.False(t, def.SortableField("orders", "secret"))
	require.False(t, def.SortableField("totals", "name"))
}
