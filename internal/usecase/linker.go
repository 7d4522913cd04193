package usecase

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

// maxForwardHops bounds how far Canonical follows merge pointers.
const maxForwardHops = 16

// Linker resolves entity mentions against the entity graph. All graph mutations are serialised
// through one mutex.
type Linker struct {
	graph  ports.EntityGraph
	cfg    config.LinkerConfig
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	mu sync.Mutex
}

// NewLinker wires the linker to graph.
func NewLinker(graph ports.EntityGraph, cfg config.LinkerConfig, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Linker{
		graph:  graph,
		cfg:    cfg,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
		now:    time.Now,
	}
}

// Resolve assigns a canonical entity to every mention and links filingID to it. Mentions whose
// name folds to nothing are left unresolved. Running it twice over the same mentions against an
// unchanged graph yields the same assignments.
func (l *Linker) Resolve(ctx context.Context, filingID string, mentions []domain.EntityMention) ([]domain.EntityMention, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.EntityMention, len(mentions))
	for i, m := range mentions {
		out[i] = m
		key := MatchKey(m.RawName)
		if key == "" {
			continue
		}
		if !m.EntityType.Valid() {
			m.EntityType = domain.EntityOrganization
			out[i].EntityType = m.EntityType
		}

		id, err := l.resolveOne(ctx, m, key)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", m.RawName, err)
		}
		if err := l.graph.LinkFiling(ctx, id, filingID); err != nil {
			return nil, fmt.Errorf("link %q: %w", m.RawName, err)
		}
		out[i].CanonicalEntityID = id
	}
	return out, nil
}

func (l *Linker) resolveOne(ctx context.Context, m domain.EntityMention, key string) (string, error) {
	exact, err := l.graph.EntitiesByMatchKey(ctx, m.EntityType, key)
	if err != nil {
		return "", err
	}
	if len(exact) > 0 {
		if len(exact) > 1 {
			l.logger.Warn("several entities share a match key, using the oldest id",
				"key", key, "candidates", len(exact), "entity_id", exact[0].ID)
		}
		if err := l.graph.AddAlias(ctx, exact[0].ID, m.RawName, key); err != nil {
			return "", err
		}
		return exact[0].ID, nil
	}

	best, runnerUp, err := l.fuzzyCandidates(ctx, m.EntityType, key)
	if err != nil {
		return "", err
	}
	threshold := l.cfg.SimilarityThreshold
	if best.score >= threshold {
		if runnerUp.score >= threshold && best.score-runnerUp.score < l.cfg.AmbiguityMargin {
			err := domain.Newf(domain.ErrLinkResolutionAmbiguous, "%q matches %s (%.3f) and %s (%.3f)",
				m.RawName, best.id, best.score, runnerUp.id, runnerUp.score)
			l.logger.Warn("ambiguous entity link, creating a new entity", "error", err)
		} else {
			if err := l.graph.AddAlias(ctx, best.id, m.RawName, key); err != nil {
				return "", err
			}
			l.logger.Debug("fuzzy entity match", "name", m.RawName, "entity_id", best.id, "score", best.score)
			return best.id, nil
		}
	}

	now := l.now().UTC()
	e := domain.CanonicalEntity{
		ID:          l.newID(),
		DisplayName: m.RawName,
		Type:        m.EntityType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.graph.CreateEntity(ctx, e, key); err != nil {
		return "", err
	}
	l.logger.Debug("entity created", "name", m.RawName, "entity_id", e.ID)
	return e.ID, nil
}

type candidate struct {
	id    string
	score float64
}

// fuzzyCandidates returns the two best-scoring distinct entities. Ties go to the smaller id.
func (l *Linker) fuzzyCandidates(ctx context.Context, entityType domain.EntityType, key string) (candidate, candidate, error) {
	aliases, err := l.graph.AliasKeys(ctx, entityType)
	if err != nil {
		return candidate{}, candidate{}, err
	}
	scores := map[string]float64{}
	for _, a := range aliases {
		if s := Similarity(key, a.Key); s > scores[a.EntityID] {
			scores[a.EntityID] = s
		}
	}
	ranked := make([]candidate, 0, len(scores))
	for id, s := range scores {
		ranked = append(ranked, candidate{id: id, score: s})
	}
	slices.SortFunc(ranked, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	var best, runnerUp candidate
	if len(ranked) > 0 {
		best = ranked[0]
	}
	if len(ranked) > 1 {
		runnerUp = ranked[1]
	}
	return best, runnerUp, nil
}

// Canonical follows merge pointers from id to the surviving entity.
func (l *Linker) Canonical(ctx context.Context, id string) (domain.CanonicalEntity, error) {
	e, err := l.graph.Entity(ctx, id)
	if err != nil {
		return domain.CanonicalEntity{}, err
	}
	for hops := 0; e.Retired(); hops++ {
		if hops == maxForwardHops {
			return domain.CanonicalEntity{}, errors.Newf("entity %s: forwarding chain longer than %d", id, maxForwardHops)
		}
		if e, err = l.graph.Entity(ctx, e.MergedInto); err != nil {
			return domain.CanonicalEntity{}, err
		}
	}
	return e, nil
}

// Lookup returns the active entities a name resolves to, across all entity types.
func (l *Linker) Lookup(ctx context.Context, name string) ([]domain.CanonicalEntity, error) {
	key := MatchKey(name)
	if key == "" {
		return nil, nil
	}
	var out []domain.CanonicalEntity
	for _, t := range domain.EntityTypes {
		found, err := l.graph.EntitiesByMatchKey(ctx, t, key)
		if err != nil {
			return nil, fmt.Errorf("lookup %q: %w", name, err)
		}
		out = append(out, found...)
	}
	return out, nil
}

// Merge folds retiredID into survivorID. Both ids are first resolved through forwarding pointers;
// merging an entity into itself is a no-op. The better of the two display names is kept.
func (l *Linker) Merge(ctx context.Context, survivorID, retiredID string) (domain.CanonicalEntity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.merge(ctx, survivorID, retiredID)
}

func (l *Linker) merge(ctx context.Context, survivorID, retiredID string) (domain.CanonicalEntity, error) {
	survivor, err := l.Canonical(ctx, survivorID)
	if err != nil {
		return domain.CanonicalEntity{}, err
	}
	retired, err := l.Canonical(ctx, retiredID)
	if err != nil {
		return domain.CanonicalEntity{}, err
	}
	if survivor.ID == retired.ID {
		return survivor, nil
	}
	if survivor.Type != retired.Type {
		return domain.CanonicalEntity{}, errors.Newf("cannot merge %s %s into %s %s",
			retired.Type, retired.ID, survivor.Type, survivor.ID)
	}

	name := survivor.DisplayName
	if isBetterName(retired.DisplayName, name) {
		name = retired.DisplayName
	}
	if err := l.graph.MergeEntities(ctx, survivor.ID, retired.ID, name); err != nil {
		return domain.CanonicalEntity{}, err
	}
	l.logger.Info("entities merged", "survivor", survivor.ID, "retired", retired.ID, "display_name", name)
	return l.graph.Entity(ctx, survivor.ID)
}

// SuggestMerges pairs active entities whose best alias similarity reaches the merge threshold.
// The survivor is the entity with more linked filings, then the older one.
func (l *Linker) SuggestMerges(ctx context.Context) ([]domain.MergeSuggestion, error) {
	var out []domain.MergeSuggestion
	for _, t := range domain.EntityTypes {
		active, err := l.graph.ActiveEntities(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("suggest merges: %w", err)
		}
		keys := make([][]string, len(active))
		for i, e := range active {
			for _, alias := range e.Aliases {
				keys[i] = append(keys[i], MatchKey(alias))
			}
		}
		for i := range active {
			for j := i + 1; j < len(active); j++ {
				score := bestPairScore(keys[i], keys[j])
				if score < l.cfg.MergeThreshold {
					continue
				}
				survivor, retired := active[i], active[j]
				if preferSurvivor(retired, survivor) {
					survivor, retired = retired, survivor
				}
				out = append(out, domain.MergeSuggestion{Survivor: survivor, Retired: retired, Score: score})
			}
		}
	}
	slices.SortStableFunc(out, func(a, b domain.MergeSuggestion) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return out, nil
}

// AutoMerge applies every suggestion whose entities are both still active, best score first.
func (l *Linker) AutoMerge(ctx context.Context) ([]domain.MergeSuggestion, error) {
	suggestions, err := l.SuggestMerges(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	retired := map[string]bool{}
	var applied []domain.MergeSuggestion
	for _, s := range suggestions {
		if retired[s.Survivor.ID] || retired[s.Retired.ID] {
			continue
		}
		if _, err := l.merge(ctx, s.Survivor.ID, s.Retired.ID); err != nil {
			return applied, err
		}
		retired[s.Retired.ID] = true
		applied = append(applied, s)
	}
	return applied, nil
}

func bestPairScore(a, b []string) float64 {
	var best float64
	for _, x := range a {
		for _, y := range b {
			best = max(best, Similarity(x, y))
		}
	}
	return best
}

func preferSurvivor(a, b domain.CanonicalEntity) bool {
	if len(a.LinkedFilingIDs) != len(b.LinkedFilingIDs) {
		return len(a.LinkedFilingIDs) > len(b.LinkedFilingIDs)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
