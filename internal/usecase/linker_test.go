package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/infrastructure/storage"
	"FilingScanner/internal/testutil"
)

func newTestLinker(t *testing.T) (*Linker, *storage.Store) {
	t.Helper()
	store := testutil.OpenStore(t)
	return NewLinker(store, config.Defaults().Linker, nil), store
}

func seedEntity(t *testing.T, store *storage.Store, id, name string, typ domain.EntityType) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateEntity(context.Background(), domain.CanonicalEntity{
		ID: id, DisplayName: name, Type: typ, CreatedAt: now, UpdatedAt: now,
	}, MatchKey(name)))
}

func org(name string) domain.EntityMention {
	return domain.EntityMention{RawName: name, EntityType: domain.EntityOrganization}
}

func TestResolveConvergesSpellings(t *testing.T) {
	l, store := newTestLinker(t)
	ctx := context.Background()

	first, err := l.Resolve(ctx, "f-1", []domain.EntityMention{org("ACME CORPORATION")})
	require.NoError(t, err)
	second, err := l.Resolve(ctx, "f-2", []domain.EntityMention{org("Acme Corp.")})
	require.NoError(t, err)

	id := first[0].CanonicalEntityID
	require.NotEmpty(t, id)
	assert.Equal(t, id, second[0].CanonicalEntityID)

	again, err := l.Resolve(ctx, "f-1", []domain.EntityMention{org("ACME CORPORATION")})
	require.NoError(t, err)
	assert.Equal(t, id, again[0].CanonicalEntityID)

	e, err := store.Entity(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ACME CORPORATION", "Acme Corp."}, e.Aliases)
	assert.Equal(t, []string{"f-1", "f-2"}, e.LinkedFilingIDs)
}

func TestResolveKeepsTypesApart(t *testing.T) {
	l, _ := newTestLinker(t)
	ctx := context.Background()

	out, err := l.Resolve(ctx, "f-1", []domain.EntityMention{
		org("Morgan Stanley"),
		{RawName: "Morgan Stanley", EntityType: domain.EntityPerson},
		{RawName: "   ", EntityType: domain.EntityPerson},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.NotEqual(t, out[0].CanonicalEntityID, out[1].CanonicalEntityID)
	assert.Empty(t, out[2].CanonicalEntityID)
}

func TestResolveFuzzyMatch(t *testing.T) {
	l, store := newTestLinker(t)
	ctx := context.Background()
	seedEntity(t, store, "e-1", "Berkshire Hathaway Inc", domain.EntityOrganization)

	out, err := l.Resolve(ctx, "f-1", []domain.EntityMention{org("Berkshire Hathaway")})
	require.NoError(t, err)
	assert.Equal(t, "e-1", out[0].CanonicalEntityID)

	e, err := store.Entity(ctx, "e-1")
	require.NoError(t, err)
	assert.Contains(t, e.Aliases, "Berkshire Hathaway")
}

func TestResolveAmbiguousMatchCreatesEntity(t *testing.T) {
	l, store := newTestLinker(t)
	ctx := context.Background()
	seedEntity(t, store, "e-1", "Acme Alpha", domain.EntityOrganization)
	seedEntity(t, store, "e-2", "Acme Alphb", domain.EntityOrganization)

	out, err := l.Resolve(ctx, "f-1", []domain.EntityMention{org("Acme Alph")})
	require.NoError(t, err)
	id := out[0].CanonicalEntityID
	assert.NotEqual(t, "e-1", id)
	assert.NotEqual(t, "e-2", id)

	for _, existing := range []string{"e-1", "e-2"} {
		e, err := store.Entity(ctx, existing)
		require.NoError(t, err)
		assert.NotContains(t, e.Aliases, "Acme Alph")
	}
}

func TestAutoMergeForwardsRetiredEntity(t *testing.T) {
	l, store := newTestLinker(t)
	ctx := context.Background()
	seedEntity(t, store, "e-1", "ACME WIDGETS CORP", domain.EntityOrganization)
	seedEntity(t, store, "e-2", "Acme Widgets Holdings Corporation", domain.EntityOrganization)
	seedEntity(t, store, "e-3", "Globex Inc", domain.EntityOrganization)
	require.NoError(t, store.LinkFiling(ctx, "e-1", "f-1"))
	require.NoError(t, store.LinkFiling(ctx, "e-2", "f-2"))
	require.NoError(t, store.LinkFiling(ctx, "e-1", "f-3"))

	suggestions, err := l.SuggestMerges(ctx)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "e-1", suggestions[0].Survivor.ID, "more linked filings survives")
	assert.Equal(t, "e-2", suggestions[0].Retired.ID)

	applied, err := l.AutoMerge(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)

	canonical, err := l.Canonical(ctx, "e-2")
	require.NoError(t, err)
	assert.Equal(t, "e-1", canonical.ID)
	assert.Equal(t, "Acme Widgets Holdings Corporation", canonical.DisplayName)
	assert.Equal(t, []string{"f-1", "f-2", "f-3"}, canonical.LinkedFilingIDs)

	for _, name := range []string{"acme widgets corp", "ACME WIDGETS HOLDINGS CORP"} {
		found, err := l.Lookup(ctx, name)
		require.NoError(t, err)
		require.Len(t, found, 1, name)
		assert.Equal(t, "e-1", found[0].ID)
	}

	out, err := l.Resolve(ctx, "f-4", []domain.EntityMention{org("Acme Widgets Holdings Corp")})
	require.NoError(t, err)
	assert.Equal(t, "e-1", out[0].CanonicalEntityID)

	suggestions, err = l.SuggestMerges(ctx)
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

func TestSharedSingleWordDoesNotMerge(t *testing.T) {
	l, store := newTestLinker(t)
	ctx := context.Background()
	seedEntity(t, store, "e-1", "Apple Inc", domain.EntityOrganization)
	seedEntity(t, store, "e-2", "Apple Corp Holdings", domain.EntityOrganization)

	suggestions, err := l.SuggestMerges(ctx)
	require.NoError(t, err)
	assert.Empty(t, suggestions)

	applied, err := l.AutoMerge(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	out, err := l.Resolve(ctx, "f-1", []domain.EntityMention{org("Apple Group")})
	require.NoError(t, err)
	assert.NotEqual(t, "e-1", out[0].CanonicalEntityID)
	assert.NotEqual(t, "e-2", out[0].CanonicalEntityID)
}

func TestMergeRepointsForwardingChain(t *testing.T) {
	l, store := newTestLinker(t)
	ctx := context.Background()
	seedEntity(t, store, "e-1", "Initech", domain.EntityOrganization)
	seedEntity(t, store, "e-2", "Initech Software", domain.EntityOrganization)
	seedEntity(t, store, "e-3", "Initech Systems", domain.EntityOrganization)
	seedEntity(t, store, "p-1", "Bill Lumbergh", domain.EntityPerson)

	_, err := l.Merge(ctx, "e-1", "e-2")
	require.NoError(t, err)
	_, err = l.Merge(ctx, "e-3", "e-1")
	require.NoError(t, err)

	for _, id := range []string{"e-1", "e-2", "e-3"} {
		e, err := l.Canonical(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "e-3", e.ID, id)
	}

	same, err := l.Merge(ctx, "e-2", "e-3")
	require.NoError(t, err, "both resolve to the same survivor")
	assert.Equal(t, "e-3", same.ID)

	_, err = l.Merge(ctx, "e-3", "p-1")
	assert.Error(t, err)

	_, err = l.Canonical(ctx, "missing")
	assert.Error(t, err)
}

func TestMatchKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "ACME CORPORATION", want: "acme corp"},
		{in: "Acme Corp.", want: "acme corp"},
		{in: "Société Générale S.A.", want: "societe generale sa"},
		{in: "AT&T Inc.", want: "at and t inc"},
		{in: "The Boeing Company", want: "boeing co"},
		{in: "Alphabet, Inc", want: "alphabet inc"},
		{in: "The", want: "the"},
		{in: "  ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MatchKey(tt.in))
		})
	}
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, Similarity("acme corp", "acme corp"))
	assert.Equal(t, 1.0, Similarity("acme widgets corp", "acme widgets holdings inc"), "designators do not count")
	assert.Less(t, Similarity("apple inc", "apple corp holdings"), 0.88, "one shared word is not a match")
	assert.Less(t, Similarity("acme corp", "acme holdings inc"), 0.88)
	assert.InDelta(t, 0.9, Similarity("acme alph", "acme alpha"), 1e-9)
	assert.Less(t, Similarity("apple inc", "microsoft corp"), 0.5)
	assert.Zero(t, Similarity("", "acme"))
}

func TestIsBetterName(t *testing.T) {
	t.Parallel()

	assert.True(t, isBetterName("Acme Corp", "ACME CORP"))
	assert.False(t, isBetterName("ACME CORPORATION", "Acme Corp"))
	assert.True(t, isBetterName("Acme Corporation", "Acme Corp"))
	assert.False(t, isBetterName("", "Acme"))
	assert.True(t, isBetterName("Acme", ""))
}
