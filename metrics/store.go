package metrics

import (
	"context"
	"database/sql"
	"sync"

	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/logger"
)

const (
	// defaultRingCapacity bounds the resolution_log table
	defaultRingCapacity = 10000
	// emitBuffer absorbs bursts so Emit never blocks a resolve call
	emitBuffer = 512
	// pruneEvery amortizes the ring trim across inserts
	pruneEvery = 100
)

// StoreEmitter persists events to the resolution_log table through a
// single writer goroutine. The table is ring-capped: old rows are
// pruned as new ones land.
type StoreEmitter struct {
	db       *sql.DB
	capacity int

	events chan ResolutionEvent
	done   chan struct{}
	closed sync.Once

	sinceLastPrune int
}

// NewStoreEmitter starts the writer. Close flushes and stops it.
func NewStoreEmitter(db *sql.DB, capacity int) *StoreEmitter {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	s := &StoreEmitter{
		db:       db,
		capacity: capacity,
		events:   make(chan ResolutionEvent, emitBuffer),
		done:     make(chan struct{}),
	}
	go s.writer()
	return s
}

// Emit buffers the event for the writer. A full buffer drops the event
// with a warning — diagnostics lose a row, resolves lose nothing.
func (s *StoreEmitter) Emit(event ResolutionEvent) {
	select {
	case s.events <- event:
	default:
		logger.Warnw("resolution log buffer full, dropping event",
			logger.FieldGuildID, event.GuildID,
			logger.FieldSource, event.Source,
		)
	}
}

// Close drains buffered events and stops the writer
func (s *StoreEmitter) Close() {
	s.closed.Do(func() {
		close(s.events)
		<-s.done
	})
}

func (s *StoreEmitter) writer() {
	defer close(s.done)
	for event := range s.events {
		s.insert(event)
	}
}

func (s *StoreEmitter) insert(event ResolutionEvent) {
	_, err := s.db.Exec(`
		INSERT INTO resolution_log (id, guild_id, category, source, path, reason, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.GuildID, event.Category, event.Source,
		event.Path, event.Reason, event.DurationMS, event.CreatedAt)
	if err != nil {
		logger.Warnw("failed to record resolution event",
			logger.FieldGuildID, event.GuildID,
			logger.FieldError, err.Error(),
		)
		return
	}

	s.sinceLastPrune++
	if s.sinceLastPrune >= pruneEvery {
		s.sinceLastPrune = 0
		s.prune()
	}
}

// prune trims the table to capacity by insert order
func (s *StoreEmitter) prune() {
	_, err := s.db.Exec(`
		DELETE FROM resolution_log
		WHERE rowid NOT IN (SELECT rowid FROM resolution_log ORDER BY rowid DESC LIMIT ?)`,
		s.capacity)
	if err != nil {
		logger.Warnw("failed to prune resolution log", logger.FieldError, err.Error())
	}
}

// Recent returns the guild's latest events, newest first
func Recent(ctx context.Context, db *sql.DB, guildID string, limit int) ([]ResolutionEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, guild_id, category, source, path, reason, duration_ms, created_at
		FROM resolution_log
		WHERE guild_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, guildID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "reading resolution log for guild %s", guildID)
	}
	defer rows.Close()

	var events []ResolutionEvent
	for rows.Next() {
		var e ResolutionEvent
		if err := rows.Scan(&e.ID, &e.GuildID, &e.Category, &e.Source,
			&e.Path, &e.Reason, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning resolution event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating resolution events")
	}
	return events, nil
}
