package remote

import (
	"context"
	"sync"

	"github.com/querygrid/querygrid/pkg/querydef"
	"github.com/querygrid/querygrid/pkg/resultset"
)

// Mock is a Client for tests. DoFunc handles each call; every request is
// recorded.
type Mock struct {
	mtx    sync.Mutex
	calls  []Request
	DoFunc func(ctx context.Context, endpoint querydef.Endpoint, req Request) (resultset.Payload, error)
}

var _ Client = (*Mock)(nil)

func (m *Mock) Do(ctx context.Context, endpoint querydef.Endpoint, req Request) (resultset.Payload, error) {
	m.mtx.Lock()
	m.calls = append(m.calls, req)
	m.mtx.Unlock()
	if m.DoFunc == nil {
		return resultset.Payload{}, nil
	}
	return m.DoFunc(ctx, endpoint, req)
}

// Calls returns a copy of the recorded requests.
func (m *Mock) Calls() []Request {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount reports how many requests were made.
func (m *Mock) CallCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.calls)
}
