// Package worker runs query executions in a dedicated background context.
// One goroutine owns every remote call and every cache read or write;
// callers hand over plain request structs and wait on a reply channel, so no
// mutable state crosses the boundary. Tasks are taken strictly in order,
// while a single task may fan out internally to fetch partitions in
// parallel.
package worker

import (
	"context"
	"flag"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/concurrency"
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/querygrid/querygrid/pkg/months"
	"github.com/querygrid/querygrid/pkg/querydef"
	"github.com/querygrid/querygrid/pkg/remote"
	"github.com/querygrid/querygrid/pkg/resultset"
	"github.com/querygrid/querygrid/pkg/storage/partcache"
)

// ErrStopped is returned for tasks submitted to a stopped worker.
var ErrStopped = errors.New("worker stopped")

// Variable names injected into partitioned queries. The bounds are
// half-open: from is the first day of the month, to the first day of the
// next.
const (
	fromVariable = "from"
	toVariable   = "to"

	dateLayout = "2006-01-02"
)

// Config configures the execution worker.
type Config struct {
	// Parallelism bounds how many partitions one task fetches at once.
	Parallelism int `yaml:"parallelism"`
	// QueueSize bounds how many tasks may wait behind the running one.
	QueueSize int `yaml:"queue_size"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Parallelism, "worker.parallelism", 4, "Concurrent partition fetches within one task.")
	f.IntVar(&cfg.QueueSize, "worker.queue-size", 16, "Tasks allowed to queue behind the running one.")
}

// IndexQueryRequest probes the index query once, without month bounds.
type IndexQueryRequest struct {
	Def      *querydef.Definition
	Endpoint querydef.Endpoint
	Vars     map[string]interface{}
}

// IndexResult carries the signature of one probe: the canonical bytes of
// the probe payload, compared verbatim against the persisted value.
type IndexResult struct {
	Signature string
}

// IndexRangeRequest probes the index query once per month.
type IndexRangeRequest struct {
	Def      *querydef.Definition
	Endpoint querydef.Endpoint
	Vars     map[string]interface{}
	Months   []months.Month
}

// IndexRangeResult maps month keys to their probe signatures.
type IndexRangeResult struct {
	Signatures map[string]string
}

// ExecuteRequest runs an unpartitioned query. UseCache reads the persisted
// payload instead of fetching; a miss degrades to a fetch. Persist writes
// the fetched payload (and Signature, when set) back to the store.
type ExecuteRequest struct {
	Def       *querydef.Definition
	Endpoint  querydef.Endpoint
	Vars      map[string]interface{}
	UseCache  bool
	Persist   bool
	Signature string
}

// ExecuteRangeRequest runs a month-partitioned query. Cached partitions are
// read from the store; Fetch partitions are fetched newest first and, when
// Persist is set, written back with their signature from Signatures.
type ExecuteRangeRequest struct {
	Def        *querydef.Definition
	Endpoint   querydef.Endpoint
	Vars       map[string]interface{}
	Cached     []months.Month
	Fetch      []months.Month
	Persist    bool
	Signatures map[string]string
}

// ExecuteResult is the outcome of an Execute or ExecuteRange task. The
// payload merges all usable partitions in chronological order. A partial
// failure leaves its months in Failed and the rest of the data intact.
type ExecuteResult struct {
	Payload   resultset.Payload
	FromCache bool
	Cached    []months.Month
	Fetched   []months.Month
	Failed    []months.Month
}

type taskEnvelope struct {
	ctx  context.Context
	id   string
	req  interface{}
	resp chan taskResponse
}

type taskResponse struct {
	result interface{}
	err    error
}

// Worker is one execution context. Create with New, dispose with Stop.
type Worker struct {
	cfg     Config
	remote  remote.Client
	store   partcache.Store
	logger  log.Logger
	metrics *Metrics

	tasks      chan taskEnvelope
	quit       chan struct{}
	stopped    *atomic.Bool
	submitters sync.WaitGroup
	wg         sync.WaitGroup
	once       sync.Once
}

func New(cfg Config, remoteClient remote.Client, store partcache.Store, logger log.Logger, metrics *Metrics) *Worker {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}

	w := &Worker{
		cfg:     cfg,
		remote:  remoteClient,
		store:   store,
		logger:  log.With(logger, "component", "worker"),
		metrics: metrics,
		tasks:   make(chan taskEnvelope, cfg.QueueSize),
		quit:    make(chan struct{}),
		stopped: atomic.NewBool(false),
	}

	w.wg.Add(1)
	go w.run()
	return w
}

// Stop waits for the running task, fails everything still queued and joins
// the loop. Later submissions are refused with ErrStopped. Safe to call more
// than once.
func (w *Worker) Stop() {
	w.once.Do(func() {
		w.stopped.Store(true)
		w.submitters.Wait()
		close(w.quit)
		w.wg.Wait()
	})
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case env := <-w.tasks:
			env.resp <- w.handle(env)
		}
	}
}

// drain answers every queued task so no caller blocks on a reply that will
// never come.
func (w *Worker) drain() {
	for {
		select {
		case env := <-w.tasks:
			env.resp <- taskResponse{err: ErrStopped}
		default:
			return
		}
	}
}

func (w *Worker) do(ctx context.Context, req interface{}) (interface{}, error) {
	// The submitter group holds Stop back until every in-flight send has
	// finished, so a task can never land in the queue after the drain.
	if w.stopped.Load() {
		return nil, ErrStopped
	}
	w.submitters.Add(1)
	if w.stopped.Load() {
		w.submitters.Done()
		return nil, ErrStopped
	}

	env := taskEnvelope{
		ctx:  ctx,
		id:   uuid.NewString(),
		req:  req,
		resp: make(chan taskResponse, 1),
	}

	select {
	case w.tasks <- env:
		w.submitters.Done()
	case <-ctx.Done():
		w.submitters.Done()
		return nil, ctx.Err()
	}

	select {
	case resp := <-env.resp:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) handle(env taskEnvelope) taskResponse {
	if err := env.ctx.Err(); err != nil {
		return taskResponse{err: err}
	}

	logger := log.With(w.logger, "task", env.id)
	start := time.Now()

	var (
		result interface{}
		err    error
		kind   string
	)
	switch req := env.req.(type) {
	case *IndexQueryRequest:
		kind = "index"
		result, err = w.handleIndexQuery(env.ctx, logger, req)
	case *IndexRangeRequest:
		kind = "index_range"
		result, err = w.handleIndexRange(env.ctx, logger, req)
	case *ExecuteRequest:
		kind = "execute"
		result, err = w.handleExecute(env.ctx, logger, req)
	case *ExecuteRangeRequest:
		kind = "execute_range"
		result, err = w.handleExecuteRange(env.ctx, logger, req)
	case *signatureRequest:
		kind = "signature"
		result, err = w.handleSignature(env.ctx, req)
	case *clearRequest:
		kind = "clear"
		err = w.store.Clear(env.ctx, req.queryID, req.partitions...)
	default:
		kind = "unknown"
		err = errors.Errorf("unsupported task type %T", env.req)
	}

	w.metrics.tasks.WithLabelValues(kind).Inc()
	w.metrics.taskDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		level.Warn(logger).Log("msg", "task failed", "kind", kind, "err", err)
	}
	return taskResponse{result: result, err: err}
}

// IndexQuery runs the definition's index probe and returns its signature.
func (w *Worker) IndexQuery(ctx context.Context, req *IndexQueryRequest) (IndexResult, error) {
	res, err := w.do(ctx, req)
	if err != nil {
		return IndexResult{}, err
	}
	return res.(IndexResult), nil
}

// IndexQueryRange probes the index query for every month in the range.
func (w *Worker) IndexQueryRange(ctx context.Context, req *IndexRangeRequest) (IndexRangeResult, error) {
	res, err := w.do(ctx, req)
	if err != nil {
		return IndexRangeResult{}, err
	}
	return res.(IndexRangeResult), nil
}

// Execute runs an unpartitioned query.
func (w *Worker) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	res, err := w.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.(*ExecuteResult), nil
}

// ExecuteRange runs a month-partitioned query.
func (w *Worker) ExecuteRange(ctx context.Context, req *ExecuteRangeRequest) (*ExecuteResult, error) {
	res, err := w.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.(*ExecuteResult), nil
}

type signatureRequest struct {
	queryID string
}

// StoredSignature reads the persisted signature record for a query.
func (w *Worker) StoredSignature(ctx context.Context, queryID string) (partcache.SignatureRecord, bool, error) {
	res, err := w.do(ctx, &signatureRequest{queryID: queryID})
	if err != nil {
		return partcache.SignatureRecord{}, false, err
	}
	rec, ok := res.(partcache.SignatureRecord)
	return rec, ok, nil
}

type clearRequest struct {
	queryID    string
	partitions []string
}

// ClearCache drops the named partitions, or all of them.
func (w *Worker) ClearCache(ctx context.Context, queryID string, partitions ...string) error {
	_, err := w.do(ctx, &clearRequest{queryID: queryID, partitions: partitions})
	return err
}

func (w *Worker) handleSignature(ctx context.Context, req *signatureRequest) (interface{}, error) {
	rec, found, err := w.store.GetSignature(ctx, req.queryID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return rec, nil
}

func (w *Worker) handleIndexQuery(ctx context.Context, logger log.Logger, req *IndexQueryRequest) (interface{}, error) {
	if req.Def.Index == "" {
		return nil, errors.Errorf("definition %s has no index query", req.Def.ID)
	}
	sig, err := w.probe(ctx, req.Def, req.Endpoint, req.Vars)
	if err != nil {
		return nil, err
	}
	level.Debug(logger).Log("msg", "index probe complete", "queryID", req.Def.ID)
	return IndexResult{Signature: sig}, nil
}

func (w *Worker) handleIndexRange(ctx context.Context, logger log.Logger, req *IndexRangeRequest) (interface{}, error) {
	if req.Def.Index == "" {
		return nil, errors.Errorf("definition %s has no index query", req.Def.ID)
	}

	var mtx sync.Mutex
	signatures := make(map[string]string, len(req.Months))

	err := concurrency.ForEachJob(ctx, len(req.Months), w.cfg.Parallelism, func(ctx context.Context, i int) error {
		m := req.Months[i]
		sig, err := w.probe(ctx, req.Def, req.Endpoint, monthVars(req.Vars, m))
		if err != nil {
			return errors.Wrapf(err, "probing %s", m)
		}
		mtx.Lock()
		signatures[m.Key()] = sig
		mtx.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	level.Debug(logger).Log("msg", "index range probe complete", "queryID", req.Def.ID, "months", len(req.Months))
	return IndexRangeResult{Signatures: signatures}, nil
}

// probe executes the index query and renders the payload's canonical bytes.
func (w *Worker) probe(ctx context.Context, def *querydef.Definition, endpoint querydef.Endpoint, vars map[string]interface{}) (string, error) {
	payload, err := w.remote.Do(ctx, endpoint, remote.Request{Query: def.Index, Variables: vars})
	if err != nil {
		return "", err
	}
	buf, err := resultset.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (w *Worker) handleExecute(ctx context.Context, logger log.Logger, req *ExecuteRequest) (interface{}, error) {
	if req.UseCache {
		payload, found, err := w.store.Get(ctx, req.Def.ID, partcache.FlatPartition)
		if err != nil {
			level.Warn(logger).Log("msg", "cache read failed, fetching instead", "queryID", req.Def.ID, "err", err)
		} else if found {
			return &ExecuteResult{Payload: payload, FromCache: true}, nil
		}
	}

	payload, err := w.remote.Do(ctx, req.Endpoint, remote.Request{Query: req.Def.Query, Variables: req.Vars})
	if err != nil {
		return nil, err
	}
	w.metrics.partitionFetches.Inc()

	if req.Persist {
		if err := w.store.Put(ctx, req.Def.ID, partcache.FlatPartition, payload); err != nil {
			level.Warn(logger).Log("msg", "cache write failed, keeping result", "queryID", req.Def.ID, "err", err)
		} else if req.Signature != "" {
			if err := w.store.SetFlatSignature(ctx, req.Def.ID, req.Signature); err != nil {
				level.Warn(logger).Log("msg", "signature write failed", "queryID", req.Def.ID, "err", err)
			}
		}
	}
	return &ExecuteResult{Payload: payload}, nil
}

func (w *Worker) handleExecuteRange(ctx context.Context, logger log.Logger, req *ExecuteRangeRequest) (interface{}, error) {
	res := &ExecuteResult{}
	toFetch := make([]months.Month, 0, len(req.Fetch)+len(req.Cached))
	toFetch = append(toFetch, req.Fetch...)

	// Cached partitions first. The store reports every partition it cannot
	// serve as missing; those months move onto the fetch list instead of
	// failing the task.
	cachedKeys := make([]string, 0, len(req.Cached))
	monthByKey := make(map[string]months.Month, len(req.Cached))
	for _, m := range req.Cached {
		cachedKeys = append(cachedKeys, m.Key())
		monthByKey[m.Key()] = m
	}
	payloads, missing, err := w.store.ReadCached(ctx, req.Def.ID, cachedKeys)
	if err != nil {
		return nil, err
	}
	for _, key := range missing {
		level.Debug(logger).Log("msg", "cached partition unavailable, refetching", "queryID", req.Def.ID, "partition", key)
		toFetch = append(toFetch, monthByKey[key])
	}
	for _, m := range req.Cached {
		if _, ok := payloads[m.Key()]; ok {
			res.Cached = append(res.Cached, m)
		}
	}

	var mtx sync.Mutex
	// Newest months first so fresh data lands before historical backfill.
	fetchErrs := make([]error, len(toFetch))
	if len(toFetch) > 0 {
		err := concurrency.ForEachJob(ctx, len(toFetch), w.cfg.Parallelism, func(ctx context.Context, i int) error {
			m := toFetch[i]
			payload, err := w.remote.Do(ctx, req.Endpoint, remote.Request{Query: req.Def.Query, Variables: monthVars(req.Vars, m)})
			if err != nil {
				w.metrics.partitionFetchFailures.Inc()
				fetchErrs[i] = errors.Wrapf(err, "fetching %s", m)
				// Collected, not returned: one month must not cancel its
				// siblings.
				return nil
			}
			w.metrics.partitionFetches.Inc()

			mtx.Lock()
			payloads[m.Key()] = payload
			mtx.Unlock()

			if req.Persist {
				if err := w.store.Put(ctx, req.Def.ID, m.Key(), payload); err != nil {
					level.Warn(logger).Log("msg", "cache write failed, keeping result", "queryID", req.Def.ID, "partition", m.Key(), "err", err)
				} else if sig := req.Signatures[m.Key()]; sig != "" {
					if err := w.store.SetMonthSignature(ctx, req.Def.ID, m.Key(), sig); err != nil {
						level.Warn(logger).Log("msg", "signature write failed", "queryID", req.Def.ID, "partition", m.Key(), "err", err)
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	for i, m := range toFetch {
		if fetchErrs[i] != nil {
			res.Failed = append(res.Failed, m)
		} else {
			res.Fetched = append(res.Fetched, m)
		}
	}

	if len(payloads) == 0 {
		errs := multierror.New()
		for _, err := range fetchErrs {
			errs.Add(err)
		}
		if err := errs.Err(); err != nil {
			return nil, errors.Wrapf(err, "no partitions available for %s", req.Def.ID)
		}
		return nil, errors.Errorf("no partitions available for %s", req.Def.ID)
	}

	// Merge in chronological order regardless of arrival order.
	all := append(append([]months.Month{}, req.Cached...), req.Fetch...)
	sortMonths(all)
	merged := make(resultset.Payload)
	for _, m := range all {
		if payload, ok := payloads[m.Key()]; ok {
			merged.Append(payload)
		}
	}
	res.Payload = merged
	res.FromCache = len(res.Fetched) == 0 && len(res.Failed) == 0

	level.Debug(logger).Log(
		"msg", "range execution complete",
		"queryID", req.Def.ID,
		"cached", len(res.Cached),
		"fetched", len(res.Fetched),
		"failed", len(res.Failed),
		"rows", merged.RowCount(),
	)
	return res, nil
}

func monthVars(vars map[string]interface{}, m months.Month) map[string]interface{} {
	from, to := m.Bounds()
	out := make(map[string]interface{}, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	out[fromVariable] = from.Format(dateLayout)
	out[toVariable] = to.Format(dateLayout)
	return out
}

func sortMonths(ms []months.Month) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Before(ms[j]) })
}
