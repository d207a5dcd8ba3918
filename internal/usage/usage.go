// Package usage keeps the launch counters OmniBox ranks results by.
//
// Every launched command text has one row in the main table with the number
// of times it was used. Counters are only ever changed inside a database
// transaction, so concurrent launches never lose an increment.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/database"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/registry"
)

// Table and column names of the counter table.
const (
	Table         = "main"
	CommandColumn = "CommandText"
	UsesColumn    = "Uses"
)

// incrementSQL bumps a counter, creating it at 1.
const incrementSQL = `INSERT OR REPLACE INTO main (CommandText, Uses) VALUES (
	@command,
	IFNULL((SELECT Uses + 1 FROM main WHERE CommandText = @command), 1)
)`

// ErrEmptyCommand is returned for a blank command text.
var ErrEmptyCommand = errors.New("usage: empty command")

// Entry is one counter.
type Entry struct {
	Command string `yaml:"command" json:"command"`
	Uses    int64  `yaml:"uses" json:"uses"`
}

// Event is published after a counter changes.
type Event struct {
	Command   string    `json:"command"`
	Uses      int64     `json:"uses"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher announces counter changes, typically over MQTT.
type Publisher interface {
	PublishUsage(ctx context.Context, ev Event) error
}

// Metrics records counter changes, typically in InfluxDB.
type Metrics interface {
	WriteUsage(command string, uses int64)
}

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Store reads and updates launch counters.
//
// Thread Safety: All methods are safe for concurrent use. Setters must be
// called before the store is shared.
type Store struct {
	db        *database.DB
	publisher Publisher
	metrics   Metrics
	logger    Logger
	now       func() time.Time
}

// New creates a store over db. The counter table must exist (see the
// migrations package).
func New(db *database.DB) *Store {
	return &Store{
		db:     db,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// SetPublisher sets where counter changes are announced.
func (s *Store) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetMetrics sets where counter changes are recorded.
func (s *Store) SetMetrics(m Metrics) {
	s.metrics = m
}

// Increment records one use of command and returns the new count.
//
// The upsert and the read-back run in one transaction of a scope of their
// own, so the returned count is exactly the value this call wrote.
func (s *Store) Increment(ctx context.Context, command string) (int64, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return 0, ErrEmptyCommand
	}

	ctx = registry.WithScope(ctx)

	var uses int64
	err := s.inTransaction(ctx, func(tok database.Token) error {
		if _, err := s.db.ExecuteNonQuery(ctx, tok, incrementSQL, database.P("command", command)); err != nil {
			return err
		}

		v, err := s.db.ExecuteScalar(ctx, tok,
			"SELECT Uses FROM main WHERE CommandText = @command",
			database.P("command", command),
		)
		if err != nil {
			return err
		}
		uses, err = toInt64(v)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing %q: %w", command, err)
	}

	s.logger.Debug("usage recorded", "command", command, "uses", uses)
	s.announce(ctx, command, uses)
	return uses, nil
}

// Uses returns how often command was used. Unknown commands have zero uses.
func (s *Store) Uses(ctx context.Context, command string) (int64, error) {
	v, err := s.db.ExecuteScalar(registry.WithoutScope(ctx), database.Token{},
		"SELECT Uses FROM main WHERE CommandText = @command",
		database.P("command", strings.TrimSpace(command)),
	)
	if err != nil {
		return 0, fmt.Errorf("reading uses of %q: %w", command, err)
	}
	if v == nil {
		return 0, nil
	}
	return toInt64(v)
}

// Lookup returns the counters of the given commands. Unknown commands are
// absent from the result.
func (s *Store) Lookup(ctx context.Context, commands ...string) (map[string]int64, error) {
	result := make(map[string]int64, len(commands))
	if len(commands) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(commands))
	params := make([]database.Param, len(commands))
	for i, c := range commands {
		name := "c" + strconv.Itoa(i)
		placeholders[i] = "@" + name
		params[i] = database.P(name, strings.TrimSpace(c))
	}

	entries, err := s.query(ctx,
		"SELECT CommandText, Uses FROM main WHERE CommandText IN ("+strings.Join(placeholders, ", ")+")",
		params...,
	)
	if err != nil {
		return nil, fmt.Errorf("looking up uses: %w", err)
	}

	for _, e := range entries {
		result[e.Command] = e.Uses
	}
	return result, nil
}

// Top returns the n most used commands, most used first. Ties are ordered
// by command text. n <= 0 returns every counter.
func (s *Store) Top(ctx context.Context, n int) ([]Entry, error) {
	limit := int64(n)
	if n <= 0 {
		limit = -1
	}

	entries, err := s.query(ctx,
		"SELECT CommandText, Uses FROM main ORDER BY Uses DESC, CommandText LIMIT @limit",
		database.P("limit", limit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing top commands: %w", err)
	}
	return entries, nil
}

// Forget deletes the counter of command and reports whether it existed.
func (s *Store) Forget(ctx context.Context, command string) (bool, error) {
	n, err := s.db.Delete(registry.WithoutScope(ctx), database.Token{}, Table,
		"CommandText = @command",
		database.P("command", strings.TrimSpace(command)),
	)
	if err != nil {
		return false, fmt.Errorf("forgetting %q: %w", command, err)
	}
	return n > 0, nil
}

// Reset deletes every counter.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.ClearTable(registry.WithoutScope(ctx), database.Token{}, Table)
}

func (s *Store) query(ctx context.Context, text string, params ...database.Param) ([]Entry, error) {
	r, err := s.db.GetReader(registry.WithoutScope(ctx), database.Token{}, text, params...)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck // Read-only, errors surface via Err

	var entries []Entry
	for r.Next() {
		var e Entry
		if err := r.Scan(&e.Command, &e.Uses); err != nil {
			return nil, fmt.Errorf("scanning counter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, r.Err()
}

// inTransaction runs fn in a transaction of ctx's scope, committing on
// success and reverting on error.
func (s *Store) inTransaction(ctx context.Context, fn func(database.Token) error) error {
	tok, err := s.db.BeginTransaction(ctx)
	if err != nil {
		return err
	}

	if err := fn(tok); err != nil {
		if rerr := s.db.RevertTransaction(ctx, tok); rerr != nil {
			return errors.Join(err, fmt.Errorf("reverting: %w", rerr))
		}
		return err
	}
	return s.db.CommitTransaction(ctx, tok)
}

// announce forwards a change to the publisher and metrics. Failures are
// logged; the counter is already committed.
func (s *Store) announce(ctx context.Context, command string, uses int64) {
	if s.metrics != nil {
		s.metrics.WriteUsage(command, uses)
	}
	if s.publisher == nil {
		return
	}

	ev := Event{Command: command, Uses: uses, Timestamp: s.now().UTC()}
	if err := s.publisher.PublishUsage(ctx, ev); err != nil {
		s.logger.Warn("publishing usage event failed", "command", command, "error", err)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case nil:
		return 0, errors.New("counter missing")
	default:
		return 0, fmt.Errorf("unexpected counter type %T", v)
	}
}
