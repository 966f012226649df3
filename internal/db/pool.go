package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write handle with a read handle for the memory store.
//
// SQLite runs in WAL mode: the writer is pinned to one connection so writes
// never race into SQLITE_BUSY, while the reader side opens several read-only
// connections that see consistent WAL snapshots. Postgres pools internally,
// so there both handles are the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps already-opened writer and reader handles.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the handle for INSERT/UPDATE/DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECTs.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles, tolerating the shared-handle case.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
