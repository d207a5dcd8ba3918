package usage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/database"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/registry"
)

// Import loads counters from a YAML list of {command, uses} entries,
// replacing existing counters of the same command. The whole document is
// applied in one transaction: either every entry lands or none does.
//
// Returns the number of entries written.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var entries []Entry
	if err := yaml.NewDecoder(r).Decode(&entries); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("parsing usage document: %w", err)
	}

	for i, e := range entries {
		if strings.TrimSpace(e.Command) == "" {
			return 0, fmt.Errorf("entry %d: %w", i, ErrEmptyCommand)
		}
		if e.Uses < 0 {
			return 0, fmt.Errorf("entry %d (%s): negative uses %d", i, e.Command, e.Uses)
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	ctx = registry.WithScope(ctx)

	err := s.inTransaction(ctx, func(tok database.Token) error {
		cmd, err := s.db.PrepareInsertCommand(ctx, tok, Table, CommandColumn, UsesColumn)
		if err != nil {
			return err
		}
		defer cmd.Close() //nolint:errcheck // Statement finalised with the transaction

		for _, e := range entries {
			if _, err := s.db.ExecuteCommand(ctx, cmd,
				database.P(CommandColumn, strings.TrimSpace(e.Command)),
				database.P(UsesColumn, e.Uses),
			); err != nil {
				return fmt.Errorf("importing %q: %w", e.Command, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("usage imported", "entries", len(entries))
	return len(entries), nil
}

// Export writes every counter as YAML, most used first.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	entries, err := s.Top(ctx, 0)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []Entry{}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encoding usage document: %w", err)
	}
	return enc.Close()
}
