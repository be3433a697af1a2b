package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/querygrid/querygrid/pkg/months"
	"github.com/querygrid/querygrid/pkg/pipeline"
	"github.com/querygrid/querygrid/pkg/querydef"
	"github.com/querygrid/querygrid/pkg/remote"
	"github.com/querygrid/querygrid/pkg/report"
	"github.com/querygrid/querygrid/pkg/resultset"
	"github.com/querygrid/querygrid/pkg/storage/partcache"
	"github.com/querygrid/querygrid/pkg/worker"
)

type staticDefs map[string]*querydef.Definition

func (s staticDefs) Resolve(_ context.Context, id string) (*querydef.Definition, error) {
	def, ok := s[id]
	if !ok {
		return nil, errors.Wrap(querydef.ErrNotFound, id)
	}
	return def, nil
}

func testEndpoints() querydef.EndpointConfig {
	return querydef.EndpointConfig{Default: querydef.Endpoint{URL: "http://remote.test"}}
}

func newTestTable(t *testing.T, defs DefinitionSource, rm remote.Client, store partcache.Store) *Table {
	t.Helper()
	w := worker.New(worker.Config{Parallelism: 2, QueueSize: 8}, rm, store, log.NewNopLogger(), worker.NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(w.Stop)

	table := NewTable(Config{}, defs, testEndpoints(), w, NopNotifier{}, log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(table.Stop)
	return table
}

func flatDef() *querydef.Definition {
	return &querydef.Definition{ID: "orders", Name: "Orders", Query: "query Orders"}
}

func localDef() *querydef.Definition {
	return &querydef.Definition{
		ID:           "orders",
		Name:         "Orders",
		Query:        "query Orders",
		ClientSave:   true,
		SearchFields: map[string][]string{"rows": {"name"}},
	}
}

func monthDef() *querydef.Definition {
	return &querydef.Definition{
		ID:         "orders",
		Name:       "Orders",
		Query:      "query Orders",
		Index:      "query OrdersIndex",
		Month:      true,
		ClientSave: true,
	}
}

func namedRows(names ...string) resultset.Payload {
	rows := make(resultset.Rows, 0, len(names))
	for _, n := range names {
		rows = append(rows, resultset.Row{"name": n})
	}
	return resultset.Payload{"rows": rows}
}

func resultNames(t *testing.T, res *ProcessedResult) []string {
	t.Helper()
	set := res.Sets["rows"]
	require.NotNil(t, set)
	require.NotNil(t, set.Table)
	var out []string
	for _, r := range set.Table.Rows {
		name, ok := r["name"].(string)
		require.True(t, ok)
		out = append(out, name)
	}
	return out
}

func month(y int, m time.Month) months.Month {
	return months.Month{Year: y, Month: m}
}

func TestRefreshLoadsAndTransforms(t *testing.T) {
	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return namedRows("alpha", "beta"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": flatDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")

	res, note, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, resultNames(t, res))
	require.Equal(t, SeveritySuccess, note.Severity)
	require.Contains(t, note.Message, "orders")
	require.Equal(t, 1, rm.CallCount())

	// Unchanged inputs recompute locally, without touching the endpoint and
	// without a fresh notification.
	res2, note2, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, resultNames(t, res2))
	require.True(t, note2.IsZero())
	require.Equal(t, 1, rm.CallCount())
}

func TestRefreshWithoutQuery(t *testing.T) {
	table := newTestTable(t, staticDefs{}, &remote.Mock{}, partcache.NewMock())

	_, _, err := table.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoQuery)
}

func TestRefreshUnknownQuery(t *testing.T) {
	rm := &remote.Mock{}
	table := newTestTable(t, staticDefs{}, rm, partcache.NewMock())
	table.SetQuery("missing")

	_, note, err := table.Refresh(context.Background())
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	require.ErrorIs(t, err, querydef.ErrNotFound)
	require.Equal(t, SeverityError, note.Severity)
	require.Zero(t, rm.CallCount())
}

func TestRefreshUnknownEndpoint(t *testing.T) {
	def := flatDef()
	def.URLKey = "reporting"
	table := newTestTable(t, staticDefs{"orders": def}, &remote.Mock{}, partcache.NewMock())
	table.SetQuery("orders")

	_, note, err := table.Refresh(context.Background())
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	require.ErrorIs(t, err, querydef.ErrUnknownEndpoint)
	require.Equal(t, SeverityError, note.Severity)
}

func TestMonthQueryRequiresRange(t *testing.T) {
	rm := &remote.Mock{}
	table := newTestTable(t, staticDefs{"orders": monthDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")

	_, note, err := table.Refresh(context.Background())
	require.ErrorIs(t, err, ErrMonthRangeRequired)
	require.Equal(t, SeverityInfo, note.Severity)
	require.Zero(t, rm.CallCount())
}

func TestVariablesChangeForcesExecution(t *testing.T) {
	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return namedRows("alpha"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": flatDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")

	_, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rm.CallCount())

	table.SetVariables(map[string]interface{}{"region": "eu"})
	_, _, err = table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rm.CallCount())
	require.Equal(t, "eu", rm.Calls()[1].Variables["region"])

	// Same contents in a freshly built map hash identically: no re-execution.
	table.SetVariables(map[string]interface{}{"region": "eu"})
	_, _, err = table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rm.CallCount())
}

func TestSearchIsLocalForClientSave(t *testing.T) {
	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return namedRows("alpha", "beta"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": localDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")

	_, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rm.CallCount())

	table.SetSearchTerm("alp")
	res, note, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alpha"}, resultNames(t, res))
	require.True(t, note.IsZero())
	require.Equal(t, 1, rm.CallCount())

	table.SetSort(&pipeline.SortSpec{Field: "name", Desc: true})
	_, _, err = table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rm.CallCount())
}

func TestSortFieldAllowList(t *testing.T) {
	def := localDef()
	def.SortFields = map[string][]string{"rows": {"name"}}
	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return namedRows("beta", "alpha"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": def}, rm, partcache.NewMock())
	table.SetQuery("orders")

	table.SetSort(&pipeline.SortSpec{Field: "name"})
	res, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, resultNames(t, res))

	// A field outside the allow list leaves the endpoint order untouched.
	table.SetSort(&pipeline.SortSpec{Field: "secret"})
	res, _, err = table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"beta", "alpha"}, resultNames(t, res))
	require.Equal(t, 1, rm.CallCount())
}

func TestSearchIsRemoteOtherwise(t *testing.T) {
	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return namedRows("alpha"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": flatDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")

	_, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rm.CallCount())

	table.SetSearchTerm("alp")
	_, _, err = table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rm.CallCount())
	require.Equal(t, "alp", rm.Calls()[1].Variables["searchTerm"])

	table.SetSort(&pipeline.SortSpec{Field: "name", Desc: true})
	_, _, err = table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rm.CallCount())
	require.Equal(t, "name", rm.Calls()[2].Variables["sortField"])
	require.Equal(t, "desc", rm.Calls()[2].Variables["sortOrder"])
}

func TestConcurrentRefreshesShareOneExecution(t *testing.T) {
	gate := make(chan struct{})
	rm := &remote.Mock{
		DoFunc: func(ctx context.Context, _ querydef.Endpoint, _ remote.Request) (resultset.Payload, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return namedRows("alpha"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": flatDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")

	var wg sync.WaitGroup
	results := make([]*ProcessedResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = table.Refresh(context.Background())
		}(i)
	}

	// Let both refreshes reach the in-flight execution before it completes.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, []string{"alpha"}, resultNames(t, results[0]))
	require.Equal(t, []string{"alpha"}, resultNames(t, results[1]))
	require.Equal(t, 1, rm.CallCount())
}

func TestFlatStalenessFreshServesCache(t *testing.T) {
	def := localDef()
	def.Index = "query OrdersIndex"

	probe := namedRows("probe")
	sig, err := resultset.CanonicalJSON(probe)
	require.NoError(t, err)

	store := partcache.NewMock()
	require.NoError(t, store.Put(context.Background(), "orders", partcache.FlatPartition, namedRows("cached")))
	require.NoError(t, store.SetFlatSignature(context.Background(), "orders", string(sig)))

	rm := &remote.Mock{
		DoFunc: func(_ context.Context, _ querydef.Endpoint, req remote.Request) (resultset.Payload, error) {
			require.Equal(t, "query OrdersIndex", req.Query)
			return probe, nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": def}, rm, store)
	table.SetQuery("orders")

	res, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.Equal(t, []string{"cached"}, resultNames(t, res))
	require.Equal(t, 1, rm.CallCount())
	require.Equal(t, string(sig), res.LastUpdated.Flat)
}

func TestFlatStalenessMismatchRefetches(t *testing.T) {
	def := localDef()
	def.Index = "query OrdersIndex"

	store := partcache.NewMock()
	require.NoError(t, store.Put(context.Background(), "orders", partcache.FlatPartition, namedRows("cached")))
	require.NoError(t, store.SetFlatSignature(context.Background(), "orders", "outdated"))

	rm := &remote.Mock{
		DoFunc: func(_ context.Context, _ querydef.Endpoint, req remote.Request) (resultset.Payload, error) {
			if req.Query == "query OrdersIndex" {
				return namedRows("probe"), nil
			}
			return namedRows("fresh"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": def}, rm, store)
	table.SetQuery("orders")

	res, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, []string{"fresh"}, resultNames(t, res))
	require.Equal(t, 2, rm.CallCount())

	// The refetch rolled the persisted payload and signature forward.
	stored, found, err := store.Get(context.Background(), "orders", partcache.FlatPartition)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, resultset.Rows{{"name": "fresh"}}, stored["rows"])

	rec, found, err := store.GetSignature(context.Background(), "orders")
	require.NoError(t, err)
	require.True(t, found)
	require.NotEqual(t, "outdated", rec.Flat)
}

func TestFlatStalenessProbeFailureFetchesLive(t *testing.T) {
	def := localDef()
	def.Index = "query OrdersIndex"

	rm := &remote.Mock{
		DoFunc: func(_ context.Context, _ querydef.Endpoint, req remote.Request) (resultset.Payload, error) {
			if req.Query == "query OrdersIndex" {
				return nil, errors.New("probe exploded")
			}
			return namedRows("fresh"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": def}, rm, partcache.NewMock())
	table.SetQuery("orders")

	res, note, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, []string{"fresh"}, resultNames(t, res))
	require.Equal(t, SeveritySuccess, note.Severity)
}

func TestRangeStalenessRefetchesOnlyChangedPartitions(t *testing.T) {
	def := monthDef()

	probeFor := func(key string) resultset.Payload {
		return resultset.Payload{"rows": resultset.Rows{{"version": key}}}
	}
	sigFor := func(t *testing.T, key string) string {
		t.Helper()
		sig, err := resultset.CanonicalJSON(probeFor(key))
		require.NoError(t, err)
		return string(sig)
	}

	store := partcache.NewMock()
	require.NoError(t, store.Put(context.Background(), "orders", "2024-01", namedRows("jan-cached")))
	require.NoError(t, store.Put(context.Background(), "orders", "2024-02", namedRows("feb-cached")))
	require.NoError(t, store.SetMonthSignature(context.Background(), "orders", "2024-01", sigFor(t, "jan-v1")))
	require.NoError(t, store.SetMonthSignature(context.Background(), "orders", "2024-02", "outdated"))

	rm := &remote.Mock{
		DoFunc: func(_ context.Context, _ querydef.Endpoint, req remote.Request) (resultset.Payload, error) {
			from, _ := req.Variables["from"].(string)
			if req.Query == "query OrdersIndex" {
				switch from {
				case "2024-01-01":
					return probeFor("jan-v1"), nil
				case "2024-02-01":
					return probeFor("feb-v2"), nil
				case "2024-03-01":
					return probeFor("mar-v1"), nil
				}
				return nil, errors.Errorf("unexpected probe month %v", from)
			}
			switch from {
			case "2024-02-01":
				return namedRows("feb-fresh"), nil
			case "2024-03-01":
				return namedRows("mar-fresh"), nil
			}
			return nil, errors.Errorf("unexpected fetch month %v", from)
		},
	}
	table := newTestTable(t, staticDefs{"orders": def}, rm, store)
	table.SetQuery("orders")
	table.SetMonthRange(months.NewRange(month(2024, time.January), month(2024, time.March)))

	res, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Zero(t, res.FailedParts)

	// January came from the cache; February and March were refetched. The
	// merge is chronological regardless.
	require.Equal(t, []string{"jan-cached", "feb-fresh", "mar-fresh"}, resultNames(t, res))

	var fetched []string
	for _, call := range rm.Calls() {
		if call.Query == "query Orders" {
			fetched = append(fetched, call.Variables["from"].(string))
		}
	}
	require.ElementsMatch(t, []string{"2024-02-01", "2024-03-01"}, fetched)

	require.Len(t, res.LastUpdated.Months, 3)
	require.Equal(t, sigFor(t, "jan-v1"), res.LastUpdated.Months["2024-01"])
}

func TestRangePartialFailureIsSuccess(t *testing.T) {
	def := monthDef()
	def.Index = ""

	rm := &remote.Mock{
		DoFunc: func(_ context.Context, _ querydef.Endpoint, req remote.Request) (resultset.Payload, error) {
			if req.Variables["from"] == "2024-01-01" {
				return nil, errors.New("upstream exploded")
			}
			return namedRows("feb"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": def}, rm, partcache.NewMock())
	table.SetQuery("orders")
	table.SetMonthRange(months.NewRange(month(2024, time.January), month(2024, time.February)))

	res, note, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.FailedParts)
	require.Equal(t, []string{"feb"}, resultNames(t, res))
	require.Equal(t, SeveritySuccess, note.Severity)
	require.Contains(t, note.Message, "partial")
}

func TestRangeTotalFailureIsExecutionError(t *testing.T) {
	def := monthDef()
	def.Index = ""

	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return nil, errors.New("upstream exploded")
		},
	}
	table := newTestTable(t, staticDefs{"orders": def}, rm, partcache.NewMock())
	table.SetQuery("orders")
	table.SetMonthRange(months.NewRange(month(2024, time.January), month(2024, time.February)))

	_, note, err := table.Refresh(context.Background())
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "orders", execErr.QueryID)
	require.Equal(t, SeverityError, note.Severity)
	require.Contains(t, note.Message, "orders")

	// Notifications name the query, never its cache partitions.
	require.NotContains(t, note.Message, "2024")
}

func TestGroupByRecomputesLocally(t *testing.T) {
	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return resultset.Payload{"rows": resultset.Rows{
				{"team": "a", "sales": 10.0},
				{"team": "a", "sales": 20.0},
				{"team": "b", "sales": 5.0},
			}}, nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": localDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")

	_, _, err := table.Refresh(context.Background())
	require.NoError(t, err)

	table.SetGroupBy([]string{"team"})
	res, note, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, note.IsZero())
	require.Equal(t, 1, rm.CallCount())

	groups := res.Sets["rows"].Table.Groups
	require.Len(t, groups, 2)
	require.Equal(t, "a", groups[0].Key)
	require.Equal(t, 30.0, groups[0].Summary["sales"])
}

func TestReportMode(t *testing.T) {
	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return resultset.Payload{"rows": resultset.Rows{
				{"date": "2024-01-02", "sales": 10.0},
				{"date": "2024-01-03", "sales": 5.0},
				{"date": "2024-01-10", "sales": 7.0},
			}}, nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": localDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")
	table.SetReport(&report.Options{DateField: "date", Granularity: report.Week, Metrics: []string{"sales"}})

	res, _, err := table.Refresh(context.Background())
	require.NoError(t, err)

	set := res.Sets["rows"]
	require.NotNil(t, set.Report)
	require.Nil(t, set.Table)
	require.Equal(t, []string{"2024-W01", "2024-W02"}, set.Report.Periods)
	require.Len(t, set.Report.Rows, 1)
	require.Equal(t, 15.0, set.Report.Rows[0][report.CellColumn("2024-W01", "sales")])
	require.Equal(t, 7.0, set.Report.Rows[0][report.CellColumn("2024-W02", "sales")])
}

func TestReportBuildFailureDegradesToTable(t *testing.T) {
	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return namedRows("alpha"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": localDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")
	table.SetReport(&report.Options{Granularity: report.Week})

	res, _, err := table.Refresh(context.Background())
	require.NoError(t, err)

	set := res.Sets["rows"]
	require.Nil(t, set.Report)
	require.NotNil(t, set.Table)
	require.Equal(t, []string{"alpha"}, resultNames(t, res))
}

func TestAuthScopesRows(t *testing.T) {
	def := localDef()
	def.AuthField = "owner"

	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return resultset.Payload{"rows": resultset.Rows{
				{"name": "alpha", "owner": "a"},
				{"name": "beta", "owner": "b"},
			}}, nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": def}, rm, partcache.NewMock())
	table.SetQuery("orders")
	table.SetAuth(AuthContext{Values: []string{"a"}})

	res, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alpha"}, resultNames(t, res))

	// Widening the scope is a local recompute over the held payload.
	table.SetAuth(AuthContext{Admin: true})
	res, _, err = table.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, resultNames(t, res))
	require.Equal(t, 1, rm.CallCount())
}

func TestStaleComputeDiscarded(t *testing.T) {
	table := newTestTable(t, staticDefs{}, &remote.Mock{}, partcache.NewMock())

	first := table.computeSeq.Inc()
	second := table.computeSeq.Inc()

	require.False(t, table.storeIfLatest(first, &ProcessedResult{QueryID: "old"}))
	require.Nil(t, table.Result())

	require.True(t, table.storeIfLatest(second, &ProcessedResult{QueryID: "new"}))
	require.Equal(t, "new", table.Result().QueryID)
}

func TestResultTracksLatestRefresh(t *testing.T) {
	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return namedRows("alpha"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": flatDef()}, rm, partcache.NewMock())
	table.SetQuery("orders")

	res, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Same(t, res, table.Result())
}

func TestPrewarmPopulatesCache(t *testing.T) {
	store := partcache.NewMock()
	rm := &remote.Mock{
		DoFunc: func(_ context.Context, _ querydef.Endpoint, req remote.Request) (resultset.Payload, error) {
			if req.Query == "query OrdersIndex" {
				return namedRows("probe"), nil
			}
			return namedRows("data"), nil
		},
	}
	table := newTestTable(t, staticDefs{"orders": monthDef()}, rm, store)
	table.SetQuery("orders")

	table.Prewarm(months.NewRange(month(2024, time.January), month(2024, time.February)))

	require.Eventually(t, func() bool {
		return store.PartitionCount("orders") == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Prewarming never installs a foreground result.
	require.Nil(t, table.Result())
}

func TestPrewarmFailureStaysQuiet(t *testing.T) {
	var notes []Notification
	var mtx sync.Mutex
	notifier := NotifierFunc(func(n Notification) {
		mtx.Lock()
		notes = append(notes, n)
		mtx.Unlock()
	})

	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return nil, errors.New("upstream exploded")
		},
	}
	w := worker.New(worker.Config{}, rm, partcache.NewMock(), log.NewNopLogger(), worker.NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(w.Stop)
	table := NewTable(Config{}, staticDefs{"orders": monthDef()}, testEndpoints(), w, notifier, log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()))
	table.SetQuery("orders")

	table.Prewarm(months.NewRange(month(2024, time.January), month(2024, time.January)))
	table.Stop()

	mtx.Lock()
	defer mtx.Unlock()
	require.Empty(t, notes)
}

func TestNotifierReceivesRefreshOutcome(t *testing.T) {
	var notes []Notification
	notifier := NotifierFunc(func(n Notification) { notes = append(notes, n) })

	rm := &remote.Mock{
		DoFunc: func(context.Context, querydef.Endpoint, remote.Request) (resultset.Payload, error) {
			return namedRows("alpha"), nil
		},
	}
	w := worker.New(worker.Config{}, rm, partcache.NewMock(), log.NewNopLogger(), worker.NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(w.Stop)
	table := NewTable(Config{NotificationTTL: 2 * time.Second}, staticDefs{"orders": flatDef()}, testEndpoints(), w, notifier, log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(table.Stop)
	table.SetQuery("orders")

	_, _, err := table.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, SeveritySuccess, notes[0].Severity)
	require.Equal(t, 2*time.Second, notes[0].TTL)
}

func TestExecutionKeyIgnoresVariableOrder(t *testing.T) {
	a, err := NewExecutionKey("orders", map[string]interface{}{"x": 1, "y": "z"}, months.Range{})
	require.NoError(t, err)
	b, err := NewExecutionKey("orders", map[string]interface{}{"y": "z", "x": 1}, months.Range{})
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := NewExecutionKey("orders", map[string]interface{}{"x": 2, "y": "z"}, months.Range{})
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	ranged, err := NewExecutionKey("orders", nil, months.NewRange(month(2024, time.January), month(2024, time.March)))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(ranged.String(), "2024-01..2024-03"))
}

func TestManagerReusesTables(t *testing.T) {
	m := NewManager(Config{}, worker.Config{}, staticDefs{}, testEndpoints(), &remote.Mock{}, partcache.NewMock(), nil, log.NewNopLogger(), prometheus.NewRegistry())
	t.Cleanup(m.Stop)

	a := m.Table("grid-1")
	require.Same(t, a, m.Table("grid-1"))
	require.NotSame(t, a, m.Table("grid-2"))

	m.Drop("grid-1")
	require.NotSame(t, a, m.Table("grid-1"))
}
