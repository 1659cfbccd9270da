package adapter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricewatch/internal/fetch"
	"github.com/JakeFAU/pricewatch/internal/pricing"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	page, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", url, fetch.ErrNotFound)
	}
	return []byte(page), nil
}

type recordingBlobs struct {
	mu      sync.Mutex
	objects map[string]string
}

func (r *recordingBlobs) PutObject(_ context.Context, path, _ string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.objects == nil {
		r.objects = map[string]string{}
	}
	r.objects[path] = string(data)
	return "mem://" + path, nil
}

type constHasher struct{}

func (constHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("h%d", len(data)), nil
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want *float64
	}{
		{"12,99 лв.", pricing.Float(12.99)},
		{"12.5", pricing.Float(12.5)},
		{"1 299,00 лв.", pricing.Float(1299)},
		{"1.299,90", pricing.Float(1299.9)},
		{"1,299", pricing.Float(1299)},
		{"Цена: 7 лв", pricing.Float(7)},
		{"", nil},
		{"няма", nil},
	}
	for _, tc := range cases {
		got := parsePrice(tc.in)
		if tc.want == nil {
			require.Nil(t, got, tc.in)
			continue
		}
		require.NotNil(t, got, tc.in)
		require.InDelta(t, *tc.want, *got, 0.0001, tc.in)
	}
}

func TestParseBGNRequiresCurrency(t *testing.T) {
	t.Parallel()

	require.Nil(t, parseBGN("Код 12345"))
	got := parseBGN("Код 12345 Цена 89,90 лв.")
	require.NotNil(t, got)
	require.InDelta(t, 89.90, *got, 0.0001)
}

func TestRegularPromo(t *testing.T) {
	t.Parallel()

	r, p := regularPromo(pricing.Float(10), pricing.Float(8))
	require.InDelta(t, 10, *r, 0)
	require.InDelta(t, 8, *p, 0)

	r, p = regularPromo(nil, pricing.Float(8))
	require.InDelta(t, 8, *r, 0)
	require.Nil(t, p)

	r, p = regularPromo(nil, nil)
	require.Nil(t, r)
	require.Nil(t, p)
}

func TestArchiverWritesContentAddressedObject(t *testing.T) {
	t.Parallel()

	blobs := &recordingBlobs{}
	archiver, err := NewArchiver(blobs, constHasher{}, "")
	require.NoError(t, err)

	uri, err := archiver.Archive(context.Background(), "praktiker", "https://x/y", []byte("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "mem://parse-miss/praktiker/h7.html", uri)
	require.Equal(t, "<html/>", blobs.objects["parse-miss/praktiker/h7.html"])

	uri, err = archiver.Archive(context.Background(), "praktiker", "https://x/y", nil)
	require.NoError(t, err)
	require.Empty(t, uri)

	_, err = NewArchiver(nil, constHasher{}, "")
	require.Error(t, err)
}

func TestChooseQuery(t *testing.T) {
	t.Parallel()

	q, byBarcode := chooseQuery(" A1 ", "380")
	require.Equal(t, "A1", q)
	require.False(t, byBarcode)

	q, byBarcode = chooseQuery("", "380")
	require.Equal(t, "380", q)
	require.True(t, byBarcode)

	q, _ = chooseQuery(" ", "")
	require.Empty(t, q)
}

func TestNewBaseValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPraktiker(Deps{})
	require.Error(t, err)
	_, err = NewPraktiker(Deps{Fetcher: newFakeFetcher(), BaseURL: "not a url"})
	require.Error(t, err)

	p, err := NewPraktiker(Deps{Fetcher: newFakeFetcher()})
	require.NoError(t, err)
	require.Equal(t, "https://praktiker.bg/search/a%2Fb", p.pathSearchURL("/search/", "a/b"))
	require.Equal(t, "https://praktiker.bg/p/1", p.absolute("/p/1"))
	require.Equal(t, "https://other.bg/p/1", p.absolute("https://other.bg/p/1"))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for _, code := range []string{MashiniBGCode, PraktikerCode, MrBricolageCode} {
		a, err := Build(code, Deps{Fetcher: newFakeFetcher()})
		require.NoError(t, err)
		require.Equal(t, code, a.SiteCode())
		require.NoError(t, reg.Register(a, DefaultLimits(code)))
	}

	require.Equal(t, []string{MashiniBGCode, MrBricolageCode, PraktikerCode}, reg.Codes())

	a, err := reg.Get(PraktikerCode)
	require.NoError(t, err)
	require.Equal(t, PraktikerCode, a.SiteCode())

	limits, err := reg.Limits(MashiniBGCode)
	require.NoError(t, err)
	require.Equal(t, 4, limits.Concurrency)

	_, err = reg.Get("nope")
	require.ErrorIs(t, err, ErrUnknownAdapter)

	dup, err := Build(PraktikerCode, Deps{Fetcher: newFakeFetcher()})
	require.NoError(t, err)
	require.ErrorIs(t, reg.Register(dup, Limits{}), ErrDuplicateAdapter)

	_, err = Build("unknown", Deps{Fetcher: newFakeFetcher()})
	require.ErrorIs(t, err, ErrUnknownAdapter)
}

func TestPrecedenceIsDeclaredPerAdapter(t *testing.T) {
	t.Parallel()

	deps := Deps{Fetcher: newFakeFetcher()}
	p, err := NewPraktiker(deps)
	require.NoError(t, err)
	m, err := NewMrBricolage(deps)
	require.NoError(t, err)

	require.Equal(t, pricing.StrategyItemNumber, p.Precedence()[0])
	require.Equal(t, []pricing.LookupStrategy{pricing.StrategyBarcode}, m.Precedence())
}

func page(body string) string {
	return "<html><body>" + strings.TrimSpace(body) + "</body></html>"
}
