// Package engine orchestrates query executions for consumer tables. A Table
// resolves the query definition and endpoint, decides partition by partition
// between cached and live data, deduplicates concurrent executions of the
// same key, and turns raw payloads into display-ready results through the
// transformation pipeline. All state is explicit on the Table; independent
// tables share nothing but the store behind their workers.
package engine

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/querygrid/querygrid/pkg/months"
	"github.com/querygrid/querygrid/pkg/pipeline"
	"github.com/querygrid/querygrid/pkg/querydef"
	"github.com/querygrid/querygrid/pkg/report"
	"github.com/querygrid/querygrid/pkg/resultset"
	"github.com/querygrid/querygrid/pkg/worker"
)

// DefinitionSource yields resolved query definitions. *querydef.Store is the
// production implementation.
type DefinitionSource interface {
	Resolve(ctx context.Context, id string) (*querydef.Definition, error)
}

// Config configures orchestrator behavior shared by every table.
type Config struct {
	// NotificationTTL is how long notifications ask to stay visible.
	NotificationTTL time.Duration `yaml:"notification_ttl"`

	// ComputeInline caps the row count transformed on the caller's
	// goroutine. Larger inputs run on a dispatched goroutine so a canceled
	// request abandons the wait, not the work.
	ComputeInline int `yaml:"compute_inline_limit"`

	// PrewarmTimeout bounds one background range warm-up.
	PrewarmTimeout time.Duration `yaml:"prewarm_timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.NotificationTTL, "engine.notification-ttl", 4*time.Second, "How long notifications ask to stay visible.")
	f.IntVar(&cfg.ComputeInline, "engine.compute-inline-limit", 512, "Maximum rows transformed synchronously on the request goroutine.")
	f.DurationVar(&cfg.PrewarmTimeout, "engine.prewarm-timeout", 5*time.Minute, "Time budget for one background cache prewarm.")
}

// AuthContext scopes rows to the caller. Values lists what the caller may
// see in the definition's auth field; Admin bypasses the filter entirely.
type AuthContext struct {
	Admin  bool
	Values []string
}

// Inputs is everything the consumer controls about one table view.
type Inputs struct {
	QueryID    string
	Variables  map[string]interface{}
	MonthRange months.Range
	SearchTerm string
	Sort       *pipeline.SortSpec
	Filters    []pipeline.Filter
	GroupBy    []string
	Report     *report.Options
	Page       *pipeline.Page
	Auth       AuthContext
}

// executionInputs is the slice of consumer input whose change invalidates
// fetched data. Search and sort join through the variables hash for
// definitions that filter remotely; for clientSave definitions they are
// local pipeline stages and do not appear here.
type executionInputs struct {
	queryID    string
	varsHash   uint64
	monthRange months.Range
}

// executeOutcome is what one deduplicated execution produces: the merged
// payload plus the signature material lastUpdated displays.
type executeOutcome struct {
	Payload    resultset.Payload
	FromCache  bool
	Failed     int
	Signature  string
	Signatures map[string]string
}

// Table orchestrates executions for one consumer table.
type Table struct {
	cfg       Config
	defs      DefinitionSource
	endpoints querydef.EndpointConfig
	worker    *worker.Worker
	notifier  Notifier
	logger    log.Logger
	metrics   *Metrics
	clock     quartz.Clock

	flight singleflight.Group

	// computeSeq orders local computations. A result arriving with a stale
	// sequence number is discarded instead of overwriting newer output.
	computeSeq *atomic.Uint64

	wg sync.WaitGroup

	mtx    sync.Mutex
	inputs Inputs
	// prev holds the execution-relevant snapshot of the last refresh,
	// compared explicitly on each refresh to decide whether data must be
	// fetched again.
	prev        *executionInputs
	payload     resultset.Payload
	fromCache   bool
	failedParts int
	lastUpdated LastUpdated
	result      *ProcessedResult
}

func NewTable(cfg Config, defs DefinitionSource, endpoints querydef.EndpointConfig, w *worker.Worker, notifier Notifier, logger log.Logger, metrics *Metrics) *Table {
	if cfg.NotificationTTL <= 0 {
		cfg.NotificationTTL = 4 * time.Second
	}
	if cfg.ComputeInline <= 0 {
		cfg.ComputeInline = 512
	}
	if cfg.PrewarmTimeout <= 0 {
		cfg.PrewarmTimeout = 5 * time.Minute
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Table{
		cfg:        cfg,
		defs:       defs,
		endpoints:  endpoints,
		worker:     w,
		notifier:   notifier,
		logger:     log.With(logger, "component", "engine"),
		metrics:    metrics,
		clock:      quartz.NewReal(),
		computeSeq: atomic.NewUint64(0),
	}
}

// Stop waits for background work spawned by this table. The worker is owned
// by whoever created it and is stopped separately.
func (t *Table) Stop() {
	t.wg.Wait()
}

func (t *Table) SetQuery(id string) { t.withInputs(func(in *Inputs) { in.QueryID = id }) }

func (t *Table) SetVariables(vars map[string]interface{}) {
	t.withInputs(func(in *Inputs) { in.Variables = vars })
}

func (t *Table) SetMonthRange(r months.Range) {
	t.withInputs(func(in *Inputs) { in.MonthRange = r })
}

func (t *Table) SetSearchTerm(term string) {
	t.withInputs(func(in *Inputs) { in.SearchTerm = term })
}

func (t *Table) SetSort(s *pipeline.SortSpec) { t.withInputs(func(in *Inputs) { in.Sort = s }) }

func (t *Table) SetFilters(fs []pipeline.Filter) {
	t.withInputs(func(in *Inputs) { in.Filters = fs })
}

func (t *Table) SetGroupBy(fields []string) {
	t.withInputs(func(in *Inputs) { in.GroupBy = fields })
}

func (t *Table) SetReport(opts *report.Options) {
	t.withInputs(func(in *Inputs) { in.Report = opts })
}

func (t *Table) SetPage(p *pipeline.Page) { t.withInputs(func(in *Inputs) { in.Page = p }) }

func (t *Table) SetAuth(a AuthContext) { t.withInputs(func(in *Inputs) { in.Auth = a }) }

// Apply replaces every consumer input at once.
func (t *Table) Apply(in Inputs) {
	t.mtx.Lock()
	t.inputs = in
	t.mtx.Unlock()
}

func (t *Table) withInputs(mutate func(*Inputs)) {
	t.mtx.Lock()
	mutate(&t.inputs)
	t.mtx.Unlock()
}

// Result returns the newest stored result, which may come from a later
// refresh than the caller's own.
func (t *Table) Result() *ProcessedResult {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.result
}

// ClearCache drops cached partitions through the worker, which owns every
// cache write, and forces the next refresh to execute instead of reusing the
// held payload.
func (t *Table) ClearCache(ctx context.Context, queryID string, partitions ...string) error {
	if err := t.worker.ClearCache(ctx, queryID, partitions...); err != nil {
		return err
	}
	t.mtx.Lock()
	t.prev = nil
	t.mtx.Unlock()
	return nil
}

// Refresh produces the result for the current inputs. It re-executes when an
// execution-relevant input changed since the last refresh and otherwise
// reruns only the local pipeline over the held payload. The returned
// notification is zero for purely local refreshes.
func (t *Table) Refresh(ctx context.Context) (*ProcessedResult, Notification, error) {
	t.mtx.Lock()
	in := t.inputs
	t.mtx.Unlock()

	if in.QueryID == "" {
		return nil, Notification{}, &ResolutionError{QueryID: "", Err: ErrNoQuery}
	}

	def, err := t.defs.Resolve(ctx, in.QueryID)
	if err != nil {
		n := t.notify(SeverityError, fmt.Sprintf("query %s could not be loaded", in.QueryID))
		return nil, n, &ResolutionError{QueryID: in.QueryID, Err: err}
	}

	if def.Month {
		if in.MonthRange.IsZero() {
			n := t.notify(SeverityInfo, fmt.Sprintf("query %s needs a month range", def.ID))
			return nil, n, ErrMonthRangeRequired
		}
		if err := in.MonthRange.Validate(); err != nil {
			n := t.notify(SeverityError, fmt.Sprintf("query %s has an invalid month range", def.ID))
			return nil, n, err
		}
	}

	vars := effectiveVars(def, in)
	rng := months.Range{}
	if def.Month {
		rng = in.MonthRange
	}
	key, err := NewExecutionKey(def.ID, vars, rng)
	if err != nil {
		n := t.notify(SeverityError, fmt.Sprintf("query %s could not be loaded", def.ID))
		return nil, n, &ResolutionError{QueryID: def.ID, Err: err}
	}

	snap := executionInputs{queryID: def.ID, varsHash: key.VarsHash, monthRange: rng}

	t.mtx.Lock()
	executed := t.prev == nil || *t.prev != snap || t.payload == nil
	t.mtx.Unlock()

	if executed {
		endpoint, err := t.endpoints.Resolve(def.URLKey)
		if err != nil {
			n := t.notify(SeverityError, fmt.Sprintf("query %s has no usable endpoint", def.ID))
			return nil, n, &ResolutionError{QueryID: def.ID, Err: err}
		}

		outcome, err := t.execute(ctx, def, endpoint, vars, rng, key)
		if err != nil {
			t.metrics.executions.WithLabelValues("error").Inc()
			n := t.notify(SeverityError, fmt.Sprintf("query %s failed", def.ID))
			return nil, n, err
		}
		if outcome.Failed > 0 {
			t.metrics.executions.WithLabelValues("partial").Inc()
		} else {
			t.metrics.executions.WithLabelValues("success").Inc()
		}

		t.mtx.Lock()
		t.prev = &snap
		t.payload = outcome.Payload
		t.fromCache = outcome.FromCache
		t.failedParts = outcome.Failed
		t.lastUpdated = lastUpdatedFrom(def, outcome, t.clock.Now().UTC())
		t.mtx.Unlock()
	}

	res, err := t.compute(ctx, def, in, key)
	if err != nil {
		return nil, Notification{}, err
	}

	var n Notification
	if executed {
		if res.FailedParts > 0 {
			n = t.notify(SeveritySuccess, fmt.Sprintf("query %s loaded with partial data", def.ID))
		} else {
			n = t.notify(SeveritySuccess, fmt.Sprintf("query %s loaded", def.ID))
		}
	}
	return res, n, nil
}

// execute collapses concurrent executions of the same key onto a single
// underlying run. Every caller observes the same outcome.
func (t *Table) execute(ctx context.Context, def *querydef.Definition, endpoint querydef.Endpoint, vars map[string]interface{}, rng months.Range, key ExecutionKey) (*executeOutcome, error) {
	start := time.Now()
	v, err, shared := t.flight.Do(key.String(), func() (interface{}, error) {
		return t.runExecution(ctx, def, endpoint, vars, rng, key)
	})
	t.metrics.executionDuration.Observe(time.Since(start).Seconds())
	if shared {
		t.metrics.dedupedExecutions.Inc()
	}
	if err != nil {
		return nil, &ExecutionError{QueryID: def.ID, Key: key.String(), Err: err}
	}
	return v.(*executeOutcome), nil
}

func (t *Table) runExecution(ctx context.Context, def *querydef.Definition, endpoint querydef.Endpoint, vars map[string]interface{}, rng months.Range, key ExecutionKey) (*executeOutcome, error) {
	logger := log.With(t.logger, "queryID", def.ID, "key", key.String())
	if def.Month {
		return t.runRangeExecution(ctx, logger, def, endpoint, vars, rng)
	}
	return t.runFlatExecution(ctx, logger, def, endpoint, vars)
}

func (t *Table) runFlatExecution(ctx context.Context, logger log.Logger, def *querydef.Definition, endpoint querydef.Endpoint, vars map[string]interface{}) (*executeOutcome, error) {
	var (
		useCache  bool
		signature string
	)
	if cacheCheckWarranted(def) {
		probe, err := t.worker.IndexQuery(ctx, &worker.IndexQueryRequest{Def: def, Endpoint: endpoint, Vars: vars})
		if err != nil {
			level.Warn(logger).Log("msg", "index probe failed, fetching live", "err", err)
			t.metrics.stalenessChecks.WithLabelValues("probe_error").Inc()
		} else {
			signature = probe.Signature
			stored, found, err := t.worker.StoredSignature(ctx, def.ID)
			switch {
			case err != nil:
				level.Warn(logger).Log("msg", "stored signature unreadable, fetching live", "err", err)
				t.metrics.stalenessChecks.WithLabelValues("miss").Inc()
			case found && stored.Flat != "" && stored.Flat == probe.Signature:
				useCache = true
				t.metrics.stalenessChecks.WithLabelValues("fresh").Inc()
			case found:
				t.metrics.stalenessChecks.WithLabelValues("stale").Inc()
			default:
				t.metrics.stalenessChecks.WithLabelValues("miss").Inc()
			}
		}
	}

	res, err := t.worker.Execute(ctx, &worker.ExecuteRequest{
		Def:       def,
		Endpoint:  endpoint,
		Vars:      vars,
		UseCache:  useCache,
		Persist:   def.ClientSave,
		Signature: signature,
	})
	if err != nil {
		return nil, err
	}
	return &executeOutcome{Payload: res.Payload, FromCache: res.FromCache, Signature: signature}, nil
}

func (t *Table) runRangeExecution(ctx context.Context, logger log.Logger, def *querydef.Definition, endpoint querydef.Endpoint, vars map[string]interface{}, rng months.Range) (*executeOutcome, error) {
	// Newest first: fresh months land before historical backfill.
	candidates := rng.KeysNewestFirst()

	var (
		cached     []months.Month
		fetch      []months.Month
		signatures map[string]string
	)
	if cacheCheckWarranted(def) {
		probe, err := t.worker.IndexQueryRange(ctx, &worker.IndexRangeRequest{Def: def, Endpoint: endpoint, Vars: vars, Months: candidates})
		if err != nil {
			level.Warn(logger).Log("msg", "index range probe failed, fetching live", "err", err)
			t.metrics.stalenessChecks.WithLabelValues("probe_error").Inc()
		} else {
			signatures = probe.Signatures
			stored, found, err := t.worker.StoredSignature(ctx, def.ID)
			if err != nil {
				level.Warn(logger).Log("msg", "stored signature unreadable, fetching live", "err", err)
				found = false
			}
			for _, m := range candidates {
				// A signature seen for the first time counts as a mismatch.
				if found && stored.Months[m.Key()] != "" && stored.Months[m.Key()] == signatures[m.Key()] {
					cached = append(cached, m)
					t.metrics.stalenessChecks.WithLabelValues("fresh").Inc()
				} else {
					fetch = append(fetch, m)
					if found {
						t.metrics.stalenessChecks.WithLabelValues("stale").Inc()
					} else {
						t.metrics.stalenessChecks.WithLabelValues("miss").Inc()
					}
				}
			}
		}
	}
	if len(cached) == 0 && len(fetch) == 0 {
		// No staleness information at all: full miss, fetch everything.
		fetch = candidates
	}

	res, err := t.worker.ExecuteRange(ctx, &worker.ExecuteRangeRequest{
		Def:        def,
		Endpoint:   endpoint,
		Vars:       vars,
		Cached:     cached,
		Fetch:      fetch,
		Persist:    def.ClientSave,
		Signatures: signatures,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Failed) > 0 {
		level.Warn(logger).Log("msg", "partitions unavailable, continuing with the rest", "failed", len(res.Failed), "usable", len(res.Cached)+len(res.Fetched))
	}
	return &executeOutcome{
		Payload:    res.Payload,
		FromCache:  res.FromCache,
		Failed:     len(res.Failed),
		Signatures: signatures,
	}, nil
}

// Prewarm fetches and caches every partition of rng in the background.
// Failures are logged, never notified; the foreground result is untouched.
// Sharing an execution key with a foreground refresh collapses both onto one
// run.
func (t *Table) Prewarm(rng months.Range) {
	t.mtx.Lock()
	in := t.inputs
	t.mtx.Unlock()
	if in.QueryID == "" || rng.IsZero() {
		return
	}
	t.metrics.prewarms.Inc()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PrewarmTimeout)
		defer cancel()

		logger := log.With(t.logger, "queryID", in.QueryID, "range", rng.String())

		def, err := t.defs.Resolve(ctx, in.QueryID)
		if err != nil {
			level.Warn(logger).Log("msg", "prewarm skipped, definition unavailable", "err", err)
			return
		}
		if !def.Month {
			return
		}
		endpoint, err := t.endpoints.Resolve(def.URLKey)
		if err != nil {
			level.Warn(logger).Log("msg", "prewarm skipped, endpoint unavailable", "err", err)
			return
		}

		vars := effectiveVars(def, in)
		key, err := NewExecutionKey(def.ID, vars, rng)
		if err != nil {
			level.Warn(logger).Log("msg", "prewarm skipped", "err", err)
			return
		}
		if _, err := t.execute(ctx, def, endpoint, vars, rng, key); err != nil {
			level.Warn(logger).Log("msg", "prewarm failed", "err", err)
			return
		}
		level.Debug(logger).Log("msg", "prewarm complete")
	}()
}

// effectiveVars merges caller variables over definition defaults. For
// definitions that filter remotely the search term and sort choice travel as
// variables, which also folds them into the execution key.
func effectiveVars(def *querydef.Definition, in Inputs) map[string]interface{} {
	vars := def.MergeVariables(in.Variables)
	if def.ClientSave {
		return vars
	}
	if in.SearchTerm != "" {
		vars["searchTerm"] = in.SearchTerm
	}
	if in.Sort != nil && in.Sort.Field != "" {
		vars["sortField"] = in.Sort.Field
		if in.Sort.Desc {
			vars["sortOrder"] = "desc"
		} else {
			vars["sortOrder"] = "asc"
		}
	}
	return vars
}

func cacheCheckWarranted(def *querydef.Definition) bool {
	return def.ClientSave && def.Index != ""
}

func lastUpdatedFrom(def *querydef.Definition, outcome *executeOutcome, now time.Time) LastUpdated {
	lu := LastUpdated{At: now}
	if def.Month {
		lu.Months = outcome.Signatures
	} else {
		lu.Flat = outcome.Signature
	}
	return lu
}

func (t *Table) notify(severity Severity, message string) Notification {
	n := Notification{Severity: severity, Message: message, TTL: t.cfg.NotificationTTL}
	t.notifier.Notify(n)
	return n
}
