// Package querydef models stored query definitions and resolves them from
// the definition document store. Definitions are read-only at runtime; the
// engine treats a loaded definition as immutable.
package querydef

import (
	"flag"
	"regexp"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/querygrid/querygrid/pkg/fieldtype"
)

// PercentSpec declares a percentage column derived from two numeric columns.
// Group summaries recompute it from the summed parts instead of averaging
// the per-row percentages.
type PercentSpec struct {
	Name        string `json:"name"`
	Numerator   string `json:"numerator"`
	Denominator string `json:"denominator"`
}

// Definition is one stored query document.
type Definition struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Query is the request text sent to the remote endpoint. It may embed
	// fragments of other definitions via {{> otherId}} references.
	Query string `json:"query"`

	// Index is an optional lightweight probe whose result acts as the
	// staleness signature for cached data. Empty means results are never
	// cached persistently.
	Index string `json:"index,omitempty"`

	// Variables holds default variable values; request variables override
	// them key by key.
	Variables map[string]interface{} `json:"variables,omitempty"`

	// Month marks the query as partitioned by calendar month. Such queries
	// only run when the caller selects a month range.
	Month bool `json:"month,omitempty"`

	// ClientSave marks the full result as locally held, which moves search
	// and sort from the endpoint into the transformation pipeline.
	ClientSave bool `json:"clientSave,omitempty"`

	// URLKey selects a non-default remote endpoint.
	URLKey string `json:"urlKey,omitempty"`

	// SearchFields lists, per result set, the dotted paths the search term
	// matches against. Search is inactive for result sets not listed.
	SearchFields map[string][]string `json:"searchFields,omitempty"`

	// SortFields lists, per result set, the dotted paths rows may be sorted
	// by. A definition that declares no sort fields allows any path.
	SortFields map[string][]string `json:"sortFields,omitempty"`

	// AuthField is the dotted path checked against the caller's allowed
	// values. Empty disables row-level filtering.
	AuthField string `json:"authField,omitempty"`

	// ColumnTypes overrides inferred column types.
	ColumnTypes map[string]fieldtype.Type `json:"columnTypes,omitempty"`

	// Percents declares derived percentage columns.
	Percents []PercentSpec `json:"percents,omitempty"`
}

// Validate checks the fields the engine cannot work without.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return errors.New("definition without id")
	}
	if d.Query == "" {
		return errors.Errorf("definition %s has no query text", d.ID)
	}
	return nil
}

// MergeVariables layers overrides on top of the definition defaults,
// returning a fresh map.
func (d *Definition) MergeVariables(overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(d.Variables)+len(overrides))
	for k, v := range d.Variables {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// SearchableFields returns the dotted paths to match a search term against
// for one result set. Nil means search does not apply.
func (d *Definition) SearchableFields(resultSet string) []string {
	if !d.ClientSave {
		return nil
	}
	return d.SearchFields[resultSet]
}

// SortableField reports whether one result set may be sorted by field. Only
// definitions that declare SortFields restrict sorting.
func (d *Definition) SortableField(resultSet, field string) bool {
	if len(d.SortFields) == 0 {
		return true
	}
	for _, f := range d.SortFields[resultSet] {
		if f == field {
			return true
		}
	}
	return false
}

var fragmentRef = regexp.MustCompile(`\{\{>\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// FragmentRefs lists the definition ids referenced from the query text.
func (d *Definition) FragmentRefs() []string {
	matches := fragmentRef.FindAllStringSubmatch(d.Query, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}

// Endpoint is one remote query endpoint.
type Endpoint struct {
	URL   string         `yaml:"url" json:"url"`
	Token flagext.Secret `yaml:"token" json:"-"`
}

func (e Endpoint) IsZero() bool { return e.URL == "" }

// ErrUnknownEndpoint reports a urlKey with no configured endpoint.
var ErrUnknownEndpoint = errors.New("unknown endpoint key")

// EndpointConfig maps definition urlKeys onto endpoints. Definitions without
// a urlKey use the default endpoint.
type EndpointConfig struct {
	Default Endpoint            `yaml:"default"`
	ByKey   map[string]Endpoint `yaml:"by_key,omitempty"`
}

func (c *EndpointConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Default.URL, "endpoint.url", "", "URL of the default remote query endpoint.")
	f.Var(&c.Default.Token, "endpoint.token", "Bearer token for the default remote query endpoint.")
}

// Resolve picks the endpoint for a urlKey.
func (c EndpointConfig) Resolve(urlKey string) (Endpoint, error) {
	if urlKey == "" {
		if c.Default.IsZero() {
			return Endpoint{}, errors.New("no default endpoint configured")
		}
		return c.Default, nil
	}
	ep, ok := c.ByKey[urlKey]
	if !ok {
		return Endpoint{}, errors.Wrap(ErrUnknownEndpoint, urlKey)
	}
	return ep, nil
}
