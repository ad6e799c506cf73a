package scraper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scrapeerr"
	"github.com/jonesrussell/north-cloud/datafetch/internal/scraper"
)

type namedScraper struct{ name string }

func (n namedScraper) Name() string { return n.name }

func (namedScraper) Retrieve(context.Context, scraper.Request) (scraper.Payload, error) {
	return scraper.Payload{}, nil
}

func (namedScraper) Parse(context.Context, scraper.Request, scraper.Payload) scraper.Parsed {
	return scraper.Parsed{}
}

func constFactory(name string) scraper.Factory {
	return func(domain.SourceDescriptor) (scraper.Scraper, error) { return namedScraper{name: name}, nil }
}

func TestRegistry_ResolvesRegisteredAndFallsBackToGeneric(t *testing.T) {
	t.Parallel()

	r := scraper.NewRegistry(constFactory("generic"))
	require.NoError(t, r.Register(domain.TypeCSV, constFactory("csv")))
	require.NoError(t, r.Register(domain.TypeAsyncQuery, constFactory("query")))

	s, err := r.Resolve(domain.SourceDescriptor{Identity: "a", Type: domain.TypeCSV})
	require.NoError(t, err)
	assert.Equal(t, "csv", s.Name())

	for _, typ := range []string{"", domain.TypeUniversal, "unheard_of"} {
		s, err = r.Resolve(domain.SourceDescriptor{Identity: "b", Type: typ})
		require.NoError(t, err)
		assert.Equal(t, "generic", s.Name(), typ)
	}

	assert.Equal(t, []string{domain.TypeAsyncQuery, domain.TypeCSV}, r.Types())
}

func TestRegistry_RejectsDuplicatesAndReservedTypes(t *testing.T) {
	t.Parallel()

	r := scraper.NewRegistry(constFactory("generic"))
	require.NoError(t, r.Register(domain.TypeXML, constFactory("xml")))
	require.ErrorIs(t, r.Register(domain.TypeXML, constFactory("xml2")), scraper.ErrDuplicateType)
	require.Error(t, r.Register(domain.TypeUniversal, constFactory("u")))
	require.Error(t, r.Register("", constFactory("u")))
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("missing api key")
	r := scraper.NewRegistry(nil)
	require.NoError(t, r.Register("broken", func(domain.SourceDescriptor) (scraper.Scraper, error) { return nil, boom }))

	_, err := r.Resolve(domain.SourceDescriptor{Identity: "x", Type: "broken"})
	require.ErrorIs(t, err, boom)

	_, err = r.Resolve(domain.SourceDescriptor{Identity: "y", Type: "other"})
	require.Error(t, err)
}

func TestFuture_Await(t *testing.T) {
	t.Parallel()

	f := scraper.Go(context.Background(), func(context.Context) (int, error) { return 42, nil })
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	select {
	case <-f.Done():
	default:
		t.Fatal("Done must be closed after Await returns the value")
	}
}

func TestFuture_AwaitReturnsOnCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := scraper.Go(context.Background(), func(context.Context) (string, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	v, err := f.Await(ctx)
	require.Error(t, err)
	assert.Empty(t, v)
	assert.Equal(t, scrapeerr.KindCancelled, scrapeerr.Classify(err))
}
