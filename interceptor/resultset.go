package interceptor

import (
	"database/sql/driver"
	"io"
)

// Resultset is a recorded query result.
type Resultset struct {
	Columns []string         `msgpack:"c" json:"columns"`
	Rows    [][]driver.Value `msgpack:"r" json:"rows"`
}

// cachedRows replays a Resultset as driver.Rows.
type cachedRows struct {
	rs  *Resultset
	pos int
}

func (r *cachedRows) Columns() []string { return r.rs.Columns }

func (r *cachedRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rs.Rows) {
		return io.EOF
	}
	copy(dest, r.rs.Rows[r.pos])
	r.pos++
	return nil
}

func (r *cachedRows) Close() error { return nil }

// recorder records rows as the caller reads them. done is called once,
// from Close, with the recorded result when it is complete.
type recorder struct {
	rs      Resultset
	dr      driver.Rows
	maxRows int
	done    func(rs *Resultset, complete bool)

	gotEOF     bool
	gotErr     bool
	maxRowsHit bool
	closed     bool
}

func newRecorder(rows driver.Rows, maxRows int, done func(*Resultset, bool)) *recorder {
	return &recorder{
		rs:      Resultset{Columns: rows.Columns()},
		dr:      rows,
		maxRows: maxRows,
		done:    done,
	}
}

func (r *recorder) Columns() []string { return r.rs.Columns }

func (r *recorder) Next(dest []driver.Value) error {
	err := r.dr.Next(dest)
	if err != nil {
		if err == io.EOF {
			r.gotEOF = true
		} else {
			r.gotErr = true
		}
		return err
	}
	if r.maxRowsHit {
		return nil
	}
	if r.maxRows > 0 && len(r.rs.Rows) == r.maxRows {
		r.maxRowsHit = true
		r.rs.Rows = nil
		return nil
	}

	row := make([]driver.Value, len(dest))
	for i, v := range dest {
		// drivers may reuse byte buffers between rows
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		row[i] = v
	}
	r.rs.Rows = append(r.rs.Rows, row)
	return nil
}

func (r *recorder) Close() error {
	err := r.dr.Close()
	if r.closed {
		return err
	}
	r.closed = true
	r.done(&r.rs, err == nil && r.gotEOF && !r.gotErr && !r.maxRowsHit)
	return err
}
