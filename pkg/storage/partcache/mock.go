package partcache

import (
	"context"
	"sort"
	"sync"

	"github.com/querygrid/querygrid/pkg/resultset"
)

// Mock is an in-memory Store for tests. Error fields, when set, are returned
// wrapped as CacheIOError so callers exercise their degradation paths.
type Mock struct {
	mtx        sync.Mutex
	partitions map[string]map[string]resultset.Payload
	signatures map[string]SignatureRecord

	PutErr error
	GetErr error
}

var _ Store = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{
		partitions: map[string]map[string]resultset.Payload{},
		signatures: map[string]SignatureRecord{},
	}
}

func (m *Mock) Put(_ context.Context, queryID, partition string, payload resultset.Payload) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.PutErr != nil {
		return ioErr("put", m.PutErr)
	}
	if m.partitions[queryID] == nil {
		m.partitions[queryID] = map[string]resultset.Payload{}
	}
	m.partitions[queryID][partition] = payload.Clone()
	return nil
}

func (m *Mock) Get(_ context.Context, queryID, partition string) (resultset.Payload, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.GetErr != nil {
		return nil, false, ioErr("get", m.GetErr)
	}
	payload, ok := m.partitions[queryID][partition]
	if !ok {
		return nil, false, nil
	}
	return payload.Clone(), true, nil
}

func (m *Mock) ReadCached(ctx context.Context, queryID string, partitions []string) (map[string]resultset.Payload, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	payloads := make(map[string]resultset.Payload, len(partitions))
	var missing []string
	for _, p := range partitions {
		payload, found, err := m.Get(ctx, queryID, p)
		if err != nil || !found {
			missing = append(missing, p)
			continue
		}
		payloads[p] = payload
	}
	return payloads, missing, nil
}

func (m *Mock) Partitions(_ context.Context, queryID string) ([]PartitionInfo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.GetErr != nil {
		return nil, ioErr("partitions", m.GetErr)
	}
	keys := make([]string, 0, len(m.partitions[queryID]))
	for k := range m.partitions[queryID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	infos := make([]PartitionInfo, 0, len(keys))
	for _, k := range keys {
		infos = append(infos, PartitionInfo{Key: k, Rows: m.partitions[queryID][k].RowCount()})
	}
	return infos, nil
}

func (m *Mock) Clear(_ context.Context, queryID string, partitions ...string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if len(partitions) == 0 {
		delete(m.partitions, queryID)
		delete(m.signatures, queryID)
		return nil
	}
	for _, p := range partitions {
		delete(m.partitions[queryID], p)
	}
	return nil
}

func (m *Mock) SetFlatSignature(_ context.Context, queryID, signature string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.PutErr != nil {
		return ioErr("signature put", m.PutErr)
	}
	rec := m.signatures[queryID]
	rec.Flat = signature
	rec.Months = nil
	m.signatures[queryID] = rec
	return nil
}

func (m *Mock) SetMonthSignature(_ context.Context, queryID, partition, signature string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.PutErr != nil {
		return ioErr("signature put", m.PutErr)
	}
	rec := m.signatures[queryID]
	if rec.Months == nil {
		rec.Months = map[string]string{}
	}
	rec.Months[partition] = signature
	rec.Flat = ""
	m.signatures[queryID] = rec
	return nil
}

func (m *Mock) GetSignature(_ context.Context, queryID string) (SignatureRecord, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.GetErr != nil {
		return SignatureRecord{}, false, ioErr("signature get", m.GetErr)
	}
	rec, ok := m.signatures[queryID]
	return rec, ok, nil
}

// PartitionCount reports how many partitions are stored for a query.
func (m *Mock) PartitionCount(queryID string) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.partitions[queryID])
}

func (m *Mock) Stop() {}
