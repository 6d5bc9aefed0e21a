package promotion

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

type capSet map[string]bool

func (c capSet) Available(name string) bool { return c[name] }

func names(list []crawler.CrawlerDescriptor) []string {
	out := make([]string, 0, len(list))
	for _, d := range list {
		out = append(out, d.Name)
	}
	return out
}

func TestDefaultTablesOrder(t *testing.T) {
	t.Parallel()

	r := New(DefaultTables(crawler.Settings{MaxBytes: 10}), nil)

	standard, err := r.Candidates(crawler.ModeStandard)
	require.NoError(t, err)
	require.Equal(t, []string{"requests", "colly", "stealth", "headless", "full"}, names(standard))
	require.Equal(t, int64(10), standard[0].Settings.MaxBytes)

	headless, err := r.Candidates(crawler.ModeHeadless)
	require.NoError(t, err)
	require.Equal(t, "headless", headless[0].Name)
	require.Equal(t, "requests", headless[len(headless)-1].Name)

	full, err := r.Candidates(crawler.ModeFull)
	require.NoError(t, err)
	require.Equal(t, "full", full[0].Name)
	require.Equal(t, "requests", full[len(full)-1].Name)

	empty, err := r.Candidates("")
	require.NoError(t, err)
	require.Equal(t, names(standard), names(empty))

	_, err = r.Candidates("turbo")
	require.ErrorIs(t, err, ErrUnknownMode)
}

func TestCapabilityFiltering(t *testing.T) {
	t.Parallel()

	r := New(DefaultTables(crawler.Settings{}), capSet{"requests": true, "colly": true})
	standard, err := r.Candidates(crawler.ModeStandard)
	require.NoError(t, err)
	require.Equal(t, []string{"requests", "colly"}, names(standard))

	full, err := r.Candidates(crawler.ModeFull)
	require.NoError(t, err)
	require.Equal(t, []string{"requests"}, names(full))
}

func TestBringToFront(t *testing.T) {
	t.Parallel()

	r := New(DefaultTables(crawler.Settings{}), nil)
	require.True(t, r.BringToFront(crawler.ModeStandard, "stealth"))
	standard, err := r.Candidates(crawler.ModeStandard)
	require.NoError(t, err)
	require.Equal(t, []string{"stealth", "requests", "colly", "headless", "full"}, names(standard))

	require.True(t, r.BringToFront(crawler.ModeStandard, "stealth"))
	require.False(t, r.BringToFront(crawler.ModeStandard, "missing"))

	// Other modes are untouched.
	headless, err := r.Candidates(crawler.ModeHeadless)
	require.NoError(t, err)
	require.Equal(t, "headless", headless[0].Name)
}

func TestCandidatesReturnsCopy(t *testing.T) {
	t.Parallel()

	r := New(DefaultTables(crawler.Settings{}), nil)
	list, err := r.Candidates(crawler.ModeStandard)
	require.NoError(t, err)
	list[0].Name = "mutated"

	again, err := r.Candidates(crawler.ModeStandard)
	require.NoError(t, err)
	require.Equal(t, "requests", again[0].Name)
}

func TestFind(t *testing.T) {
	t.Parallel()

	r := New(DefaultTables(crawler.Settings{}), nil)
	desc, ok := r.Find("Intercept")
	require.True(t, ok)
	require.Equal(t, "intercept", desc.Backend)

	_, ok = r.Find("missing")
	require.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := New(DefaultTables(crawler.Settings{}), nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := DefaultOrder[crawler.ModeStandard][i%5]
			r.BringToFront(crawler.ModeStandard, name)
			list, err := r.Candidates(crawler.ModeStandard)
			if err == nil && len(list) != 5 {
				t.Errorf("unexpected length %d", len(list))
			}
		}(i)
	}
	wg.Wait()
}

func TestNamesAreUniqueAndSorted(t *testing.T) {
	t.Parallel()

	r := New(DefaultTables(crawler.Settings{}), nil)
	require.Equal(t, []string{"colly", "full", "headless", "intercept", "requests", "stealth"}, r.Names())
}
