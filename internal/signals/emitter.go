package signals

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strongdm/conduit/internal/telemetry"
)

// Subscriber receives each signal in emission order. A returned error is
// suppressed and reported through telemetry; it never interrupts the run.
type Subscriber func(Signal) error

// Emitter assigns monotonic sequence numbers starting at 1, keeps the
// in-memory signal list, appends each signal to the JSONL ledger, and fans
// out to subscribers sequentially. Emission never fails the caller: ledger
// and subscriber errors are suppressed and reported through telemetry.
type Emitter struct {
	runID      string
	ledgerPath string
	logger     *zap.Logger

	mu       sync.Mutex
	sequence int
	emitted  []Signal

	subMu  sync.Mutex
	nextID int
	subs   map[int]Subscriber

	ledgerMu sync.Mutex
}

// NewEmitter creates an emitter for one run. ledgerPath may be empty, in
// which case no ledger file is written (in-memory only, used by tests).
func NewEmitter(runID, ledgerPath string, logger *zap.Logger) *Emitter {
	return &Emitter{
		runID:      runID,
		ledgerPath: ledgerPath,
		logger:     logger,
		subs:       map[int]Subscriber{},
	}
}

// Emit creates, records, and fans out one signal, returning the immutable
// value with its assigned sequence number.
func (e *Emitter) Emit(st SignalType, payload map[string]any) Signal {
	e.mu.Lock()
	e.sequence++
	sig := newSignal(e.sequence, st, time.Now().UTC(), e.runID, payload)
	e.emitted = append(e.emitted, sig)
	e.mu.Unlock()

	e.appendLedger(sig)
	e.broadcast(sig)
	return sig
}

// Signals returns a copy of everything emitted so far, in sequence order.
func (e *Emitter) Signals() []Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Signal, len(e.emitted))
	copy(out, e.emitted)
	return out
}

// Count returns the number of signals emitted so far.
func (e *Emitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.emitted)
}

// Subscribe registers a subscriber and returns its unsubscribe func.
// Subscribers registered mid-run see only signals emitted after registration;
// replay of history is the caller's concern (see server.Broadcaster).
func (e *Emitter) Subscribe(fn Subscriber) (unsubscribe func()) {
	e.subMu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Emitter) broadcast(sig Signal) {
	e.subMu.Lock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	// Stable delivery order across subscribers within one signal.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	fns := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.subs[id])
	}
	e.subMu.Unlock()

	for _, fn := range fns {
		e.deliver(fn, sig)
	}
}

func (e *Emitter) deliver(fn Subscriber, sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Emit(e.logger, telemetry.Event{
				Code:       telemetry.SignalSubscriberFailure,
				Message:    fmt.Sprintf("subscriber panic: %v", r),
				Suppressed: true,
				RunID:      e.runID,
				Details:    map[string]any{"sequence": sig.Sequence(), "signal_type": string(sig.Type())},
			})
		}
	}()
	if err := fn(sig); err != nil {
		telemetry.Emit(e.logger, telemetry.Event{
			Code:       telemetry.SignalSubscriberFailure,
			Message:    err.Error(),
			Suppressed: true,
			RunID:      e.runID,
			Details:    map[string]any{"sequence": sig.Sequence(), "signal_type": string(sig.Type())},
		})
	}
}

func (e *Emitter) appendLedger(sig Signal) {
	if e.ledgerPath == "" {
		return
	}
	e.ledgerMu.Lock()
	defer e.ledgerMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(e.ledgerPath), 0o755); err != nil {
		e.ledgerError(sig, err)
		return
	}
	f, err := os.OpenFile(e.ledgerPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.ledgerError(sig, err)
		return
	}
	defer f.Close()
	line, err := json.Marshal(sig)
	if err != nil {
		e.ledgerError(sig, err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		e.ledgerError(sig, err)
	}
}

func (e *Emitter) ledgerError(sig Signal, err error) {
	telemetry.Emit(e.logger, telemetry.Event{
		Code:       telemetry.SignalSubscriberFailure,
		Message:    fmt.Sprintf("ledger append failed: %v", err),
		Suppressed: true,
		RunID:      e.runID,
		Details:    map[string]any{"sequence": sig.Sequence(), "ledger_path": e.ledgerPath},
	})
}

// LoadLedger reads a signals.jsonl file back into ordered signals. It
// verifies the sequence is strictly increasing from 1 with no gaps.
func LoadLedger(path string) ([]Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Signal
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var sig Signal
		if err := json.Unmarshal(raw, &sig); err != nil {
			return nil, fmt.Errorf("ledger %s line %d: %w", path, lineNo, err)
		}
		if want := len(out) + 1; sig.Sequence() != want {
			return nil, fmt.Errorf("ledger %s line %d: sequence %d, want %d", path, lineNo, sig.Sequence(), want)
		}
		out = append(out, sig)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
