package persistence

import (
	"sync"

	"imageforge/pkg/logx"
)

// Sink owns the persistence worker channel and serializes fire-and-forget
// writers against shutdown close, so a dispatch hook firing during a drain
// cannot send on a closed channel.
type Sink struct {
	mu     sync.Mutex
	ch     chan *Request
	closed bool
}

// NewSink creates a sink with the given buffer size.
func NewSink(buffer int) *Sink {
	return &Sink{ch: make(chan *Request, buffer)}
}

// Send posts one request to the worker. Best-effort: returns false when the
// sink is closed or the buffer is full.
func (s *Sink) Send(req *Request) bool {
	if s == nil || req == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- req:
		return true
	default:
		return false
	}
}

// Close stops accepting writes and closes the channel so RunWorker drains
// the backlog and exits. Idempotent.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Channel exposes the worker side of the sink.
func (s *Sink) Channel() <-chan *Request {
	return s.ch
}

// PersistRequest sends a generation audit record to the persistence worker.
// Fire-and-forget: dispatch never blocks on the database.
func PersistRequest(rec *GenerationRecord, sink *Sink) {
	if sink == nil || rec == nil {
		return
	}
	if !sink.Send(&Request{Operation: OpUpsertRequest, Data: rec}) {
		logx.Warnf("dropped audit write for request %s", rec.ID)
	}
}

// PersistCreditDeduction sends a credit deduction to the persistence worker.
func PersistCreditDeduction(userID string, amount int64, sink *Sink) {
	if sink == nil || userID == "" {
		return
	}
	if !sink.Send(&Request{Operation: OpDeductCredit, Data: &DeductCreditRequest{UserID: userID, Amount: amount}}) {
		logx.Warnf("dropped credit deduction for user %s", userID)
	}
}

// RunWorker drains the persistence channel until it is closed. Run it in its
// own goroutine; close the sink during shutdown to let it finish pending
// writes.
func RunWorker(ch <-chan *Request, ops *DatabaseOperations) {
	logger := logx.NewLogger("persistence")
	logger.Debug("persistence worker started")

	for req := range ch {
		if req == nil {
			continue
		}
		err := processRequest(req, ops)
		if err != nil {
			logger.Error("persistence operation %s failed: %v", req.Operation, err)
		}
		if req.Response != nil {
			req.Response <- err
		}
	}

	logger.Info("persistence worker finished draining queue")
}

func processRequest(req *Request, ops *DatabaseOperations) error {
	switch req.Operation {
	case OpUpsertRequest:
		if rec, ok := req.Data.(*GenerationRecord); ok {
			return ops.UpsertRequest(rec)
		}
		return logx.Errorf("invalid payload for %s", req.Operation)
	case OpDeductCredit:
		if deduct, ok := req.Data.(*DeductCreditRequest); ok {
			return ops.DeductCredit(deduct.UserID, deduct.Amount)
		}
		return logx.Errorf("invalid payload for %s", req.Operation)
	default:
		return logx.Errorf("unknown persistence operation %s", req.Operation)
	}
}
