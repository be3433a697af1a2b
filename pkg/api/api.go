// Package api exposes the engine over HTTP: one endpoint that applies
// consumer inputs to a table and refreshes it, plus diagnostics for the
// partition cache. Responses are JSON; the query and partition listings are
// gzip-compressed when the client accepts it.
package api

import (
	"net/http"

	"github.com/NYTimes/gziphandler"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/querygrid/querygrid/pkg/engine"
	"github.com/querygrid/querygrid/pkg/fieldtype"
	"github.com/querygrid/querygrid/pkg/months"
	"github.com/querygrid/querygrid/pkg/pipeline"
	"github.com/querygrid/querygrid/pkg/querydef"
	"github.com/querygrid/querygrid/pkg/report"
	"github.com/querygrid/querygrid/pkg/storage/partcache"
	"github.com/querygrid/querygrid/pkg/worker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	apiPrefix = "/querygrid/api/v1"

	QueryPath      = apiPrefix + "/query"
	PartitionsPath = apiPrefix + "/partitions/{queryID}"
	PrewarmPath    = apiPrefix + "/prewarm"
	CachePath      = apiPrefix + "/cache/{queryID}"
	ReadyPath      = "/ready"
)

// API serves the engine endpoints.
type API struct {
	manager *engine.Manager
	store   partcache.Store
	logger  log.Logger
}

func New(manager *engine.Manager, store partcache.Store, logger log.Logger) *API {
	return &API{
		manager: manager,
		store:   store,
		logger:  log.With(logger, "component", "api"),
	}
}

// RegisterRoutes attaches every endpoint to the router.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.Handle(QueryPath, gziphandler.GzipHandler(http.HandlerFunc(a.handleQuery))).Methods(http.MethodPost).Name("PostQuery")
	r.Handle(PartitionsPath, gziphandler.GzipHandler(http.HandlerFunc(a.handlePartitions))).Methods(http.MethodGet).Name("GetPartitions")
	r.HandleFunc(PrewarmPath, a.handlePrewarm).Methods(http.MethodPost).Name("PostPrewarm")
	r.HandleFunc(CachePath, a.handleClearCache).Methods(http.MethodDelete).Name("DeleteCache")
	r.HandleFunc(ReadyPath, a.handleReady).Methods(http.MethodGet).Name("GetReady")
}

// SortSpec is the wire form of a sort choice. Type names a fieldtype; empty
// defers to inference.
type SortSpec struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
	Type  string `json:"type,omitempty"`
}

// FilterSpec is the wire form of one pre-filter.
type FilterSpec struct {
	Field string   `json:"field"`
	In    []string `json:"in"`
}

// PageSpec is the wire form of a pagination window.
type PageSpec struct {
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

// AuthSpec scopes the request's rows to the caller.
type AuthSpec struct {
	Admin  bool     `json:"admin,omitempty"`
	Values []string `json:"values,omitempty"`
}

// QueryRequest carries every consumer input for one table refresh. TableID
// defaults to the query id; callers rendering the same query in several
// places pass distinct table ids to keep their views independent.
type QueryRequest struct {
	TableID    string                 `json:"tableId,omitempty"`
	QueryID    string                 `json:"queryId"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
	MonthRange *months.Range          `json:"monthRange,omitempty"`
	SearchTerm string                 `json:"searchTerm,omitempty"`
	Sort       *SortSpec              `json:"sort,omitempty"`
	Filters    []FilterSpec           `json:"filters,omitempty"`
	GroupBy    []string               `json:"groupBy,omitempty"`
	Report     *report.Options        `json:"report,omitempty"`
	Page       *PageSpec              `json:"page,omitempty"`
	Auth       *AuthSpec              `json:"auth,omitempty"`
}

func (r *QueryRequest) tableID() string {
	if r.TableID != "" {
		return r.TableID
	}
	return r.QueryID
}

func (r *QueryRequest) validate() error {
	if r.QueryID == "" {
		return errors.New("queryId is required")
	}
	if r.MonthRange != nil {
		if err := r.MonthRange.Validate(); err != nil {
			return err
		}
	}
	if r.Sort != nil && r.Sort.Type != "" {
		if _, err := fieldtype.ParseType(r.Sort.Type); err != nil {
			return err
		}
	}
	return nil
}

func (r *QueryRequest) inputs() engine.Inputs {
	in := engine.Inputs{
		QueryID:    r.QueryID,
		Variables:  r.Variables,
		SearchTerm: r.SearchTerm,
		GroupBy:    r.GroupBy,
		Report:     r.Report,
	}
	if r.MonthRange != nil {
		in.MonthRange = *r.MonthRange
	}
	if r.Sort != nil {
		spec := &pipeline.SortSpec{Field: r.Sort.Field, Desc: r.Sort.Desc}
		if r.Sort.Type != "" {
			spec.Type, _ = fieldtype.ParseType(r.Sort.Type)
		}
		in.Sort = spec
	}
	for _, f := range r.Filters {
		in.Filters = append(in.Filters, pipeline.Filter{Field: f.Field, In: f.In})
	}
	if r.Page != nil {
		in.Page = &pipeline.Page{Offset: r.Page.Offset, Limit: r.Page.Limit}
	}
	if r.Auth != nil {
		in.Auth = engine.AuthContext{Admin: r.Auth.Admin, Values: r.Auth.Values}
	}
	return in
}

// NotificationSpec is the wire form of an engine notification, with the TTL
// in milliseconds.
type NotificationSpec struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	TTLMs    int64  `json:"ttlMs"`
}

func wireNotification(n engine.Notification) *NotificationSpec {
	if n.IsZero() {
		return nil
	}
	return &NotificationSpec{
		Severity: string(n.Severity),
		Message:  n.Message,
		TTLMs:    n.TTL.Milliseconds(),
	}
}

// QueryResponse is one refreshed result plus its notification.
type QueryResponse struct {
	Result       *engine.ProcessedResult `json:"result"`
	Notification *NotificationSpec       `json:"notification,omitempty"`
}

type errorResponse struct {
	Error        string            `json:"error"`
	Notification *NotificationSpec `json:"notification,omitempty"`
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"), engine.Notification{})
		return
	}
	if err := req.validate(); err != nil {
		a.writeError(w, http.StatusBadRequest, err, engine.Notification{})
		return
	}

	table := a.manager.Table(req.tableID())
	table.Apply(req.inputs())

	res, note, err := table.Refresh(r.Context())
	if err != nil {
		a.writeError(w, refreshStatus(err), err, note)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Result: res, Notification: wireNotification(note)})
}

// refreshStatus maps a refresh failure onto an HTTP status: unknown
// definitions are 404, other input and resolution problems 400, executions
// that produced no data 502.
func refreshStatus(err error) int {
	switch {
	case errors.Is(err, querydef.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrMonthRangeRequired), errors.Is(err, engine.ErrNoQuery):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrStopped):
		return http.StatusServiceUnavailable
	}

	var resErr *engine.ResolutionError
	if errors.As(err, &resErr) {
		return http.StatusBadRequest
	}
	var execErr *engine.ExecutionError
	if errors.As(err, &execErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// PartitionsResponse lists what the cache holds for one query.
type PartitionsResponse struct {
	QueryID    string                     `json:"queryId"`
	Partitions []partcache.PartitionInfo  `json:"partitions"`
	Signature  *partcache.SignatureRecord `json:"signature,omitempty"`
}

func (a *API) handlePartitions(w http.ResponseWriter, r *http.Request) {
	queryID := mux.Vars(r)["queryID"]

	infos, err := a.store.Partitions(r.Context(), queryID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err, engine.Notification{})
		return
	}
	resp := PartitionsResponse{QueryID: queryID, Partitions: infos}
	if rec, found, err := a.store.GetSignature(r.Context(), queryID); err == nil && found {
		resp.Signature = &rec
	}
	if resp.Partitions == nil {
		resp.Partitions = []partcache.PartitionInfo{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// PrewarmRequest starts a background fetch of every partition in the range.
type PrewarmRequest struct {
	TableID    string                 `json:"tableId,omitempty"`
	QueryID    string                 `json:"queryId"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
	MonthRange *months.Range          `json:"monthRange"`
}

func (a *API) handlePrewarm(w http.ResponseWriter, r *http.Request) {
	var req PrewarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"), engine.Notification{})
		return
	}
	if req.QueryID == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("queryId is required"), engine.Notification{})
		return
	}
	if req.MonthRange == nil {
		a.writeError(w, http.StatusBadRequest, errors.New("monthRange is required"), engine.Notification{})
		return
	}
	if err := req.MonthRange.Validate(); err != nil {
		a.writeError(w, http.StatusBadRequest, err, engine.Notification{})
		return
	}

	tableID := req.TableID
	if tableID == "" {
		tableID = req.QueryID
	}
	table := a.manager.Table(tableID)
	table.SetQuery(req.QueryID)
	if req.Variables != nil {
		table.SetVariables(req.Variables)
	}
	table.Prewarm(*req.MonthRange)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *API) handleClearCache(w http.ResponseWriter, r *http.Request) {
	queryID := mux.Vars(r)["queryID"]
	partitions := r.URL.Query()["partition"]

	table := a.manager.Table(queryID)
	if err := table.ClearCache(r.Context(), queryID, partitions...); err != nil {
		a.writeError(w, http.StatusInternalServerError, err, engine.Notification{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (a *API) writeError(w http.ResponseWriter, status int, err error, note engine.Notification) {
	if status >= http.StatusInternalServerError {
		level.Warn(a.logger).Log("msg", "request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Notification: wireNotification(note)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
