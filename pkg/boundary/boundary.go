// Package boundary is the foreign-facing surface of the access layer. It
// issues opaque handles for open connections, validates them on every call,
// translates statement and parameter buffers to typed requests, and delivers
// results asynchronously through a caller-supplied completion callback.
//
// Entry points return a Status immediately; accepted work resolves exactly
// once via the registered CompletionFunc. The handle table is the only
// structure mutated directly from the host's many calling threads; it is
// guarded by a short-lived lock, and everything downstream of handle
// validation is single-threaded through the serializer.
package boundary

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vaultsq/vaultsq/pkg/changefeed"
	"github.com/vaultsq/vaultsq/pkg/dberr"
	"github.com/vaultsq/vaultsq/pkg/engine"
	"github.com/vaultsq/vaultsq/pkg/router"
	"github.com/vaultsq/vaultsq/pkg/wire"
)

// Status is the fixed enumeration returned across the boundary.
type Status int32

const (
	StatusOk Status = iota
	StatusInvalidHandle
	StatusConnectionFailed
	StatusStorageError
	StatusCancelled
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusInvalidHandle:
		return "invalid_handle"
	case StatusConnectionFailed:
		return "connection_failed"
	case StatusStorageError:
		return "storage_error"
	case StatusCancelled:
		return "cancelled"
	case StatusBusy:
		return "busy"
	}
	return "unknown"
}

// Handle is the opaque token issued to the foreign caller for one logical
// open connection. The zero Handle is never issued.
type Handle uint64

// CompletionFunc delivers an asynchronous result to the host. On StatusOk
// the payload is operation-specific (see the Execute methods); on any other
// status it is an encoded error record of two text values, code and message.
type CompletionFunc func(token uint64, status Status, payload []byte)

// ChangeFunc delivers a committed change batch to the host, encoded as a
// result set with columns (table, op, rowid).
type ChangeFunc func(payload []byte)

// OpenOptions carries the host-supplied configuration of one connection.
type OpenOptions struct {
	CacheCapacity int
	Schema        []string
	// OperationTimeout, when positive, is the deadline attached to each
	// submitted operation. On expiry the caller is detached and completed
	// with StatusCancelled; the operation itself still runs.
	OperationTimeout time.Duration
}

// Host owns the handle table mapping opaque tokens to live connections.
type Host struct {
	complete CompletionFunc

	mu    sync.RWMutex
	conns map[Handle]*conn
	next  Handle
}

type conn struct {
	eng     *engine.Engine
	rt      *router.Router
	timeout time.Duration

	// changeCh feeds the per-connection dispatcher goroutine which invokes
	// the host's change callback outside the serializer context.
	changeMu sync.Mutex
	changeCh chan []byte
	changeFn ChangeFunc
}

// NewHost creates a Host delivering completions through complete.
func NewHost(complete CompletionFunc) *Host {
	return &Host{
		complete: complete,
		conns:    make(map[Handle]*conn),
	}
}

// Open opens the store at path with the given key material and returns a
// handle for it, or the error mapped to a non-Ok status.
func (h *Host) Open(path string, key []byte, opts OpenOptions) (Handle, Status) {
	c := &conn{timeout: opts.OperationTimeout}

	eng, err := engine.Open(engine.Options{
		Path:           path,
		Key:            key,
		CacheCapacity:  opts.CacheCapacity,
		Schema:         opts.Schema,
		ChangeObserver: c.observeChanges,
	})
	if err != nil {
		log.WithFields(log.Fields{"path": path, "err": err}).Warn("open failed")
		return 0, statusOf(err)
	}
	c.eng = eng
	c.rt = router.New(eng)

	h.mu.Lock()
	h.next++
	handle := h.next
	h.conns[handle] = c
	h.mu.Unlock()
	return handle, StatusOk
}

// Close releases the handle and its connection. Subsequent calls with the
// handle are rejected with StatusInvalidHandle.
func (h *Host) Close(handle Handle) Status {
	h.mu.Lock()
	c, ok := h.conns[handle]
	delete(h.conns, handle)
	h.mu.Unlock()

	if !ok {
		return StatusInvalidHandle
	}
	c.stopChangeDispatch()
	if err := c.eng.Close(); err != nil {
		log.WithField("err", err).Warn("close reported error")
		return StatusStorageError
	}
	return StatusOk
}

// ExecuteRead accepts a read. The async completion payload is an encoded
// result set (wire.EncodeRows).
func (h *Host) ExecuteRead(handle Handle, stmt, params []byte, token uint64) Status {
	c, status := h.lookup(handle)
	if status != StatusOk {
		return status
	}
	vals, err := wire.DecodeValues(params)
	if err != nil {
		return StatusStorageError
	}
	if len(stmt) == 0 {
		return StatusStorageError
	}

	go func() {
		ctx, cancel := c.opCtx()
		defer cancel()
		res, err := c.rt.Read(ctx, string(stmt), vals)
		if err != nil {
			h.complete(token, statusOf(err), encodeError(err))
			return
		}
		h.complete(token, StatusOk, wire.EncodeRows(wire.Rows{Columns: res.Columns, Rows: res.Rows}))
	}()
	return StatusOk
}

// ExecuteWrite accepts a write. The async completion payload is a single
// encoded integer value: the affected row count.
func (h *Host) ExecuteWrite(handle Handle, stmt, params []byte, token uint64) Status {
	c, status := h.lookup(handle)
	if status != StatusOk {
		return status
	}
	vals, err := wire.DecodeValues(params)
	if err != nil {
		return StatusStorageError
	}
	if len(stmt) == 0 {
		return StatusStorageError
	}

	go func() {
		ctx, cancel := c.opCtx()
		defer cancel()
		res, err := c.rt.Write(ctx, string(stmt), vals)
		if err != nil {
			h.complete(token, statusOf(err), encodeError(err))
			return
		}
		h.complete(token, StatusOk, wire.EncodeValues([]wire.Value{wire.Integer(res.Affected)}))
	}()
	return StatusOk
}

// ExecuteTransaction accepts a statement batch (wire.EncodeBatch). The async
// completion payload is an encoded value sequence: the total affected count,
// then one value per statement: an integer affected count, or a record
// holding the statement's encoded result set for reads.
func (h *Host) ExecuteTransaction(handle Handle, batch []byte, token uint64) Status {
	c, status := h.lookup(handle)
	if status != StatusOk {
		return status
	}
	stmts, err := wire.DecodeBatch(batch)
	if err != nil {
		return StatusStorageError
	}

	go func() {
		ctx, cancel := c.opCtx()
		defer cancel()
		res, err := c.rt.Transaction(ctx, stmts)
		if err != nil {
			h.complete(token, statusOf(err), encodeError(err))
			return
		}
		vals := []wire.Value{wire.Integer(res.Affected)}
		for _, s := range res.Statements {
			if s.Rows != nil {
				vals = append(vals, wire.Record(wire.EncodeRows(*s.Rows)))
			} else {
				vals = append(vals, wire.Integer(s.Affected))
			}
		}
		h.complete(token, StatusOk, wire.EncodeValues(vals))
	}()
	return StatusOk
}

// SetChangeCallback subscribes the host to committed change batches on the
// connection. A nil fn unsubscribes.
func (h *Host) SetChangeCallback(handle Handle, fn ChangeFunc) Status {
	c, status := h.lookup(handle)
	if status != StatusOk {
		return status
	}
	c.setChangeCallback(fn)
	return StatusOk
}

// Shutdown closes every remaining handle.
func (h *Host) Shutdown() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[Handle]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.stopChangeDispatch()
		if err := c.eng.Close(); err != nil {
			log.WithField("err", err).Warn("close reported error")
		}
	}
}

// lookup validates the handle against current connection state without
// dereferencing stale tokens.
func (h *Host) lookup(handle Handle) (*conn, Status) {
	h.mu.RLock()
	c, ok := h.conns[handle]
	h.mu.RUnlock()

	if !ok {
		return nil, StatusInvalidHandle
	}
	switch c.eng.State() {
	case engine.StateFailed:
		return nil, StatusConnectionFailed
	case engine.StateClosed:
		return nil, StatusInvalidHandle
	}
	return c, StatusOk
}

func (c *conn) opCtx() (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(context.Background(), c.timeout)
	}
	return context.Background(), func() {}
}

func statusOf(err error) Status {
	switch dberr.CodeOf(err) {
	case dberr.CodeBusy:
		return StatusBusy
	case dberr.CodeCancelled:
		return StatusCancelled
	case dberr.CodeFatal, dberr.CodeClosed:
		return StatusConnectionFailed
	default:
		return StatusStorageError
	}
}

func encodeError(err error) []byte {
	code := dberr.CodeOf(err)
	return wire.EncodeValues([]wire.Value{
		wire.Text(string(code)),
		wire.Text(err.Error()),
	})
}

// observeChanges runs in the serializer context during commit; it hands the
// encoded batch to the dispatcher without blocking.
func (c *conn) observeChanges(b changefeed.Batch) {
	// The send happens under changeMu so an unsubscribe cannot close the
	// channel mid-send; it never blocks.
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	if c.changeCh == nil {
		return
	}

	select {
	case c.changeCh <- encodeChangeBatch(b):
	default:
		log.WithField("tables", b.Tables).Warn("change notification dropped: dispatcher backlog full")
	}
}

const changeDispatchDepth = 64

func (c *conn) setChangeCallback(fn ChangeFunc) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()

	if c.changeCh != nil {
		close(c.changeCh)
		c.changeCh = nil
	}
	c.changeFn = fn
	if fn == nil {
		return
	}

	ch := make(chan []byte, changeDispatchDepth)
	c.changeCh = ch
	go func() {
		for payload := range ch {
			fn(payload)
		}
	}()
}

func (c *conn) stopChangeDispatch() {
	c.setChangeCallback(nil)
}

// encodeChangeBatch renders a batch as a result set with columns
// (table, op, rowid). When row events were coalesced away, one row per
// changed table is emitted with null op and rowid.
func encodeChangeBatch(b changefeed.Batch) []byte {
	rs := wire.Rows{Columns: []string{"table", "op", "rowid"}}
	if b.Truncated || len(b.Events) == 0 {
		for _, t := range b.Tables {
			rs.Rows = append(rs.Rows, []wire.Value{wire.Text(t), wire.Null(), wire.Null()})
		}
	} else {
		for _, ev := range b.Events {
			rs.Rows = append(rs.Rows, []wire.Value{
				wire.Text(ev.Table),
				wire.Text(ev.Op.String()),
				wire.Integer(ev.RowID),
			})
		}
	}
	return wire.EncodeRows(rs)
}
