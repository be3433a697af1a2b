package engine

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/querygrid/querygrid/pkg/querydef"
	"github.com/querygrid/querygrid/pkg/remote"
	"github.com/querygrid/querygrid/pkg/storage/partcache"
	"github.com/querygrid/querygrid/pkg/worker"
)

// Manager hands out one Table per consumer table identity, each with its own
// execution worker. Tables share the definition source, the remote client and
// the cache store; metrics are registered once and shared.
type Manager struct {
	cfg       Config
	workerCfg worker.Config
	defs      DefinitionSource
	endpoints querydef.EndpointConfig
	remote    remote.Client
	store     partcache.Store
	notifier  Notifier
	logger    log.Logger

	metrics       *Metrics
	workerMetrics *worker.Metrics

	mtx    sync.Mutex
	tables map[string]*tableEntry
}

type tableEntry struct {
	table  *Table
	worker *worker.Worker
}

func NewManager(cfg Config, workerCfg worker.Config, defs DefinitionSource, endpoints querydef.EndpointConfig, remoteClient remote.Client, store partcache.Store, notifier Notifier, logger log.Logger, reg prometheus.Registerer) *Manager {
	return &Manager{
		cfg:           cfg,
		workerCfg:     workerCfg,
		defs:          defs,
		endpoints:     endpoints,
		remote:        remoteClient,
		store:         store,
		notifier:      notifier,
		logger:        logger,
		metrics:       NewMetrics(reg),
		workerMetrics: worker.NewMetrics(reg),
		tables:        make(map[string]*tableEntry),
	}
}

// Table returns the orchestrator for id, creating it and its worker on first
// use.
func (m *Manager) Table(id string) *Table {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if entry, ok := m.tables[id]; ok {
		return entry.table
	}

	logger := log.With(m.logger, "table", id)
	w := worker.New(m.workerCfg, m.remote, m.store, logger, m.workerMetrics)
	t := NewTable(m.cfg, m.defs, m.endpoints, w, m.notifier, logger, m.metrics)
	m.tables[id] = &tableEntry{table: t, worker: w}
	return t
}

// Drop stops and forgets one table. The cache store keeps its data; a table
// recreated under the same id starts from the persisted partitions.
func (m *Manager) Drop(id string) {
	m.mtx.Lock()
	entry, ok := m.tables[id]
	delete(m.tables, id)
	m.mtx.Unlock()

	if ok {
		entry.table.Stop()
		entry.worker.Stop()
	}
}

// Stop stops every table and worker. The store itself is owned by the caller.
func (m *Manager) Stop() {
	m.mtx.Lock()
	entries := make([]*tableEntry, 0, len(m.tables))
	for _, entry := range m.tables {
		entries = append(entries, entry)
	}
	m.tables = make(map[string]*tableEntry)
	m.mtx.Unlock()

	for _, entry := range entries {
		entry.table.Stop()
		entry.worker.Stop()
	}
}
