package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"FilingScanner/internal/domain"
)

// Entity loads an entity with its aliases and linked filings. Retired entities are returned as
// stored; following MergedInto is the caller's job.
func (s *Store) Entity(ctx context.Context, id string) (domain.CanonicalEntity, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("entity_id", "display_name", "entity_type", "merged_into", "created_at", "updated_at").
		From("entities").Where(sq.Eq{"entity_id": id}))
	if err != nil {
		return domain.CanonicalEntity{}, err
	}
	var (
		e                domain.CanonicalEntity
		typ              string
		created, updated int64
	)
	if err := row.Scan(&e.ID, &e.DisplayName, &typ, &e.MergedInto, &created, &updated); err != nil {
		return domain.CanonicalEntity{}, notFound(err, "entity %s", id)
	}
	e.Type, e.CreatedAt, e.UpdatedAt = domain.EntityType(typ), fromNanos(created), fromNanos(updated)

	if e.Aliases, err = s.strings(ctx, s.sb.Select("alias").From("entity_aliases").
		Where(sq.Eq{"entity_id": id}).OrderBy("alias ASC")); err != nil {
		return domain.CanonicalEntity{}, fmt.Errorf("load aliases %s: %w", id, err)
	}
	if e.LinkedFilingIDs, err = s.strings(ctx, s.sb.Select("filing_id").From("entity_filings").
		Where(sq.Eq{"entity_id": id}).OrderBy("filing_id ASC")); err != nil {
		return domain.CanonicalEntity{}, fmt.Errorf("load filings %s: %w", id, err)
	}
	return e, nil
}

// EntitiesByMatchKey returns active entities of entityType holding an alias with key, ordered by id.
func (s *Store) EntitiesByMatchKey(ctx context.Context, entityType domain.EntityType, key string) ([]domain.CanonicalEntity, error) {
	ids, err := s.strings(ctx, s.sb.Select("DISTINCT a.entity_id").
		From("entity_aliases a").
		Join("entities e ON e.entity_id = a.entity_id").
		Where(sq.Eq{"a.entity_type": string(entityType), "a.match_key": key, "e.merged_into": ""}).
		OrderBy("a.entity_id ASC"))
	if err != nil {
		return nil, fmt.Errorf("entities by key: %w", err)
	}
	return s.entities(ctx, ids)
}

// AliasKeys lists aliases of active entities of entityType.
func (s *Store) AliasKeys(ctx context.Context, entityType domain.EntityType) ([]domain.AliasKey, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select("a.entity_id", "a.alias", "a.match_key").
		From("entity_aliases a").
		Join("entities e ON e.entity_id = a.entity_id").
		Where(sq.Eq{"a.entity_type": string(entityType), "e.merged_into": ""}).
		OrderBy("a.entity_id ASC", "a.match_key ASC"))
	if err != nil {
		return nil, fmt.Errorf("alias keys: %w", err)
	}
	var out []domain.AliasKey
	for rows.Next() {
		var k domain.AliasKey
		if err := rows.Scan(&k.EntityID, &k.Alias, &k.Key); err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan alias: %w", err))
		}
		out = append(out, k)
	}
	if err := closeRows(rows, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveEntities lists entities of entityType that were not merged away.
func (s *Store) ActiveEntities(ctx context.Context, entityType domain.EntityType) ([]domain.CanonicalEntity, error) {
	ids, err := s.strings(ctx, s.sb.Select("entity_id").From("entities").
		Where(sq.Eq{"entity_type": string(entityType), "merged_into": ""}).
		OrderBy("entity_id ASC"))
	if err != nil {
		return nil, fmt.Errorf("active entities: %w", err)
	}
	return s.entities(ctx, ids)
}

// CreateEntity inserts e together with its first alias.
func (s *Store) CreateEntity(ctx context.Context, e domain.CanonicalEntity, key string) error {
	now := toNanos(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, s.sb.Insert("entities").
			Columns("entity_id", "display_name", "entity_type", "merged_into", "created_at", "updated_at").
			Values(e.ID, e.DisplayName, string(e.Type), "", now, now)); err != nil {
			return fmt.Errorf("insert entity %s: %w", e.ID, err)
		}
		if _, err := s.exec(ctx, tx, s.sb.Insert("entity_aliases").
			Columns("entity_id", "match_key", "alias", "entity_type").
			Values(e.ID, key, e.DisplayName, string(e.Type))); err != nil {
			return fmt.Errorf("insert alias %s: %w", e.ID, err)
		}
		return nil
	})
}

// AddAlias attaches alias to entityID, or to its survivor when entityID was retired. Known
// aliases are ignored.
func (s *Store) AddAlias(ctx context.Context, entityID, alias, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		entityID, err := s.forward(ctx, tx, entityID)
		if err != nil {
			return err
		}
		row, err := s.queryRow(ctx, tx, s.sb.Select("entity_type").From("entities").Where(sq.Eq{"entity_id": entityID}))
		if err != nil {
			return err
		}
		var typ string
		if err := row.Scan(&typ); err != nil {
			return notFound(err, "entity %s", entityID)
		}
		if _, err := s.exec(ctx, tx, s.sb.Insert("entity_aliases").
			Columns("entity_id", "match_key", "alias", "entity_type").
			Values(entityID, key, alias, typ).
			Suffix("ON CONFLICT (entity_id, alias) DO NOTHING")); err != nil {
			return fmt.Errorf("insert alias %s: %w", entityID, err)
		}
		return nil
	})
}

// LinkFiling records that filingID mentions entityID. A retired entityID is followed to the
// entity it was merged into, inside the same transaction.
func (s *Store) LinkFiling(ctx context.Context, entityID, filingID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		entityID, err := s.forward(ctx, tx, entityID)
		if err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, s.sb.Insert("entity_filings").
			Columns("entity_id", "filing_id").
			Values(entityID, filingID).
			Suffix("ON CONFLICT (entity_id, filing_id) DO NOTHING"))
		if err != nil {
			return fmt.Errorf("link filing %s -> %s: %w", filingID, entityID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := s.exec(ctx, tx, s.sb.Update("entities").Set("updated_at", toNanos(s.now())).
			Where(sq.Eq{"entity_id": entityID})); err != nil {
			return fmt.Errorf("touch entity %s: %w", entityID, err)
		}
		return nil
	})
}

// MergeEntities copies aliases and filing links of retired onto survivor, retires it with a
// forwarding pointer and repoints anything already forwarding to it. Retired rows are kept.
func (s *Store) MergeEntities(ctx context.Context, survivorID, retiredID, displayName string) error {
	if survivorID == retiredID {
		return fmt.Errorf("merge entity %s into itself", survivorID)
	}
	now := toNanos(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{survivorID, retiredID} {
			row, err := s.queryRow(ctx, tx, s.sb.Select("merged_into").From("entities").Where(sq.Eq{"entity_id": id}))
			if err != nil {
				return err
			}
			var mergedInto string
			if err := row.Scan(&mergedInto); err != nil {
				return notFound(err, "entity %s", id)
			}
			if mergedInto != "" {
				return fmt.Errorf("entity %s is already merged into %s", id, mergedInto)
			}
		}

		copies := []sq.InsertBuilder{
			s.sb.Insert("entity_aliases").
				Columns("entity_id", "match_key", "alias", "entity_type").
				Select(sq.Select().Column(sq.Expr("CAST(? AS TEXT)", survivorID)).
					Columns("match_key", "alias", "entity_type").
					From("entity_aliases").
					Where(sq.Eq{"entity_id": retiredID})).
				Suffix("ON CONFLICT (entity_id, alias) DO NOTHING"),
			s.sb.Insert("entity_filings").
				Columns("entity_id", "filing_id").
				Select(sq.Select().Column(sq.Expr("CAST(? AS TEXT)", survivorID)).
					Columns("filing_id").
					From("entity_filings").
					Where(sq.Eq{"entity_id": retiredID})).
				Suffix("ON CONFLICT (entity_id, filing_id) DO NOTHING"),
		}
		for _, b := range copies {
			if _, err := s.exec(ctx, tx, b); err != nil {
				return fmt.Errorf("merge %s into %s: %w", retiredID, survivorID, err)
			}
		}

		updates := []sq.UpdateBuilder{
			s.sb.Update("entities").Set("merged_into", survivorID).Set("updated_at", now).
				Where(sq.Eq{"entity_id": retiredID}),
			s.sb.Update("entities").Set("merged_into", survivorID).Set("updated_at", now).
				Where(sq.Eq{"merged_into": retiredID}),
			s.sb.Update("entities").Set("display_name", displayName).Set("updated_at", now).
				Where(sq.Eq{"entity_id": survivorID}),
		}
		for _, b := range updates {
			if _, err := s.exec(ctx, tx, b); err != nil {
				return fmt.Errorf("merge %s into %s: %w", retiredID, survivorID, err)
			}
		}

		if _, err := s.exec(ctx, tx, s.sb.Insert("entity_merges").
			Columns("retired_id", "survivor_id", "merged_at").
			Values(retiredID, survivorID, now)); err != nil {
			return fmt.Errorf("record merge %s: %w", retiredID, err)
		}
		return nil
	})
}

// maxForwardHops bounds forwarding chains. Merges repoint chains, so one hop is the norm.
const maxForwardHops = 8

// forward follows merged_into pointers from id to the active entity.
func (s *Store) forward(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	for range maxForwardHops {
		row, err := s.queryRow(ctx, tx, s.sb.Select("merged_into").From("entities").Where(sq.Eq{"entity_id": id}))
		if err != nil {
			return "", err
		}
		var next string
		if err := row.Scan(&next); err != nil {
			return "", notFound(err, "entity %s", id)
		}
		if next == "" {
			return id, nil
		}
		id = next
	}
	return "", fmt.Errorf("entity %s: forwarding chain longer than %d", id, maxForwardHops)
}

func (s *Store) entities(ctx context.Context, ids []string) ([]domain.CanonicalEntity, error) {
	out := make([]domain.CanonicalEntity, 0, len(ids))
	for _, id := range ids {
		e, err := s.Entity(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) strings(ctx context.Context, b sq.SelectBuilder) ([]string, error) {
	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, closeRows(rows, err)
		}
		out = append(out, v)
	}
	if err := closeRows(rows, nil); err != nil {
		return nil, err
	}
	return out, nil
}
