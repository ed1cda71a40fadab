// Package dbtask runs SQL statements on a worker goroutine and delivers
// results back through a caller-supplied dispatch function, so script-visible
// continuations always re-enter on the main tick goroutine. Results land in
// the per-call async-result cache of whatever context the continuation
// reserves.
package dbtask

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/zond/mudbridge"

	_ "modernc.org/sqlite"
)

var (
	ErrClosed = fmt.Errorf("task queue is closed")
)

// Result is the opaque outcome of one task. Rows are fully materialized
// before the completion runs; nothing in a Result touches the database.
type Result struct {
	Rows         []map[string]any
	LastInsertID int64
	Affected     int64
}

// Callback receives the task outcome on the dispatch goroutine.
type Callback func(res *Result, err error)

type request struct {
	query string
	args  []any
	exec  bool
	cb    Callback
}

// Queue executes tasks in submission order on a single worker.
type Queue struct {
	db       *sqlx.DB
	dispatch func(func())
	requests chan request
	done     chan struct{}
	closed   bool
}

// New opens the database at dsn and starts the worker. dispatch must hand
// its argument to the main tick loop.
func New(dsn string, dispatch func(func())) (*Queue, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, mudbridge.WithStack(err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, mudbridge.WithStack(err)
	}
	q := &Queue{
		db:       db,
		dispatch: dispatch,
		requests: make(chan request, 1024),
		done:     make(chan struct{}),
	}
	go q.work()
	return q, nil
}

func (q *Queue) work() {
	defer close(q.done)
	for req := range q.requests {
		res, err := q.run(req)
		if req.cb != nil {
			cb, r, e := req.cb, res, err
			q.dispatch(func() {
				cb(r, e)
			})
		}
	}
}

func (q *Queue) run(req request) (*Result, error) {
	if req.exec {
		sqlRes, err := q.db.Exec(req.query, req.args...)
		if err != nil {
			return nil, mudbridge.WithStack(err)
		}
		res := &Result{}
		// Both are best-effort under sqlite; failures leave zeroes.
		res.LastInsertID, _ = sqlRes.LastInsertId()
		res.Affected, _ = sqlRes.RowsAffected()
		return res, nil
	}
	rows, err := q.db.Queryx(req.query, req.args...)
	if err != nil {
		return nil, mudbridge.WithStack(err)
	}
	defer rows.Close()
	res := &Result{}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, mudbridge.WithStack(err)
		}
		res.Rows = append(res.Rows, row)
	}
	return res, mudbridge.WithStack(rows.Err())
}

func (q *Queue) submit(req request) {
	if q.closed {
		if req.cb != nil {
			q.dispatch(func() {
				req.cb(nil, ErrClosed)
			})
		}
		return
	}
	q.requests <- req
}

// Query runs a SELECT and delivers materialized rows to cb.
func (q *Queue) Query(query string, args []any, cb Callback) {
	q.submit(request{query: query, args: args, cb: cb})
}

// Exec runs a statement without a result set.
func (q *Queue) Exec(query string, args []any, cb Callback) {
	q.submit(request{query: query, args: args, exec: true, cb: cb})
}

// Len returns the number of queued, unstarted tasks.
func (q *Queue) Len() int {
	return len(q.requests)
}

// Close drains queued tasks, stops the worker and closes the database.
func (q *Queue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.requests)
	<-q.done
	return mudbridge.WithStack(q.db.Close())
}
