package canduit

import (
	"context"
	"errors"
	"sync"
	"time"
)

type write struct {
	apiID   uint16
	payload []byte
}

type request struct {
	apiID  uint16
	length uint8
}

// fakeTransport records writes and requests and serves frames queued by the
// test.
type fakeTransport struct {
	mu       sync.Mutex
	writes   []write
	requests []request
	latest   map[uint16]Frame
	replies  map[uint16]Frame
	failOn   map[uint16]error
}

var errBusDown = errors.New("bus down")

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		latest:  make(map[uint16]Frame),
		replies: make(map[uint16]Frame),
		failOn:  make(map[uint16]error),
	}
}

func frameOf(ts uint64, data ...byte) Frame {
	return Frame{Data: data, Len: uint8(len(data)), Timestamp: ts}
}

func (f *fakeTransport) WriteFrame(_ context.Context, apiID uint16, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[apiID]; err != nil {
		return err
	}
	f.writes = append(f.writes, write{apiID: apiID, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) PollLatest(apiID uint16) (Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, ok := f.latest[apiID]
	delete(f.latest, apiID)
	return fr, ok
}

func (f *fakeTransport) RequestAndAwait(_ context.Context, apiID uint16, length uint8, _ time.Duration) (Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.latest, apiID)
	f.requests = append(f.requests, request{apiID: apiID, length: length})
	fr, ok := f.replies[apiID]
	if !ok || fr.Len != length {
		return Frame{}, false
	}
	return fr, true
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) push(apiID uint16, fr Frame) {
	f.mu.Lock()
	f.latest[apiID] = fr
	f.mu.Unlock()
}

func (f *fakeTransport) reply(apiID uint16, fr Frame) {
	f.mu.Lock()
	f.replies[apiID] = fr
	f.mu.Unlock()
}

func (f *fakeTransport) fail(apiID uint16, err error) {
	f.mu.Lock()
	f.failOn[apiID] = err
	f.mu.Unlock()
}

func (f *fakeTransport) written() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

func (f *fakeTransport) requested() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.writes = nil
	f.requests = nil
	f.mu.Unlock()
}

var _ Transport = (*fakeTransport)(nil)
