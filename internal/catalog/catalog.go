package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// ErrNoSources is returned when a Catalog has nothing to list from.
var ErrNoSources = errors.New("no dataset sources configured")

const listingKey = "datasets"

// Dataset is one file a session can be started on.
type Dataset struct {
	Name      string `json:"name"`
	Container string `json:"container"`
	Source    string `json:"source,omitempty"`
}

// Source lists the datasets held by one storage backend.
type Source interface {
	Name() string
	List(ctx context.Context) ([]Dataset, error)
}

type Option func(*Catalog)

func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) {
		c.ttl = ttl
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithRetry sets the attempts and delay used for each source listing.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Catalog) {
		c.attempts = attempts
		c.delay = delay
	}
}

// Catalog merges the listings of its sources and caches the result.
type Catalog struct {
	sources  []Source
	ttl      time.Duration
	attempts uint
	delay    time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	cache *cache.Cache
}

func New(sources []Source, opts ...Option) *Catalog {
	c := &Catalog{
		sources:  sources,
		ttl:      30 * time.Second,
		attempts: 3,
		delay:    200 * time.Millisecond,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts == 0 {
		c.attempts = 1
	}
	c.cache = cache.New(c.ttl, 2*c.ttl)
	return c
}

// Sources returns the names of the configured sources.
func (c *Catalog) Sources() []string {
	names := make([]string, 0, len(c.sources))
	for _, s := range c.sources {
		names = append(names, s.Name())
	}
	return names
}

// List returns every dataset across sources, ordered by container then name.
// A failing source is skipped as long as another one answered; the listing is
// only cached when every source succeeded.
func (c *Catalog) List(ctx context.Context) ([]Dataset, error) {
	if len(c.sources) == 0 {
		return nil, ErrNoSources
	}
	if cached, ok := c.cache.Get(listingKey); ok {
		return cached.([]Dataset), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache.Get(listingKey); ok {
		return cached.([]Dataset), nil
	}

	type result struct {
		datasets []Dataset
		err      error
	}
	results := make([]result, len(c.sources))
	var wg sync.WaitGroup
	for i, src := range c.sources {
		i, src := i, src
		wg.Add(1)
		go func() {
			defer wg.Done()
			datasets, err := c.listSource(ctx, src)
			results[i] = result{datasets: datasets, err: err}
		}()
	}
	wg.Wait()

	var (
		all    []Dataset
		errs   *multierror.Error
		failed int
	)
	for i, r := range results {
		if r.err != nil {
			failed++
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.sources[i].Name(), r.err))
			continue
		}
		all = append(all, r.datasets...)
	}
	if failed == len(c.sources) {
		return nil, fmt.Errorf("list datasets: %w", errs.ErrorOrNil())
	}
	if failed > 0 {
		c.logger.Warn().Err(errs).Int("failed_sources", failed).Msg("partial dataset listing")
	}
	sortDatasets(all)
	if failed == 0 {
		c.cache.Set(listingKey, all, cache.DefaultExpiration)
	}
	return all, nil
}

// Invalidate drops the cached listing.
func (c *Catalog) Invalidate() {
	c.cache.Delete(listingKey)
}

func (c *Catalog) listSource(ctx context.Context, src Source) ([]Dataset, error) {
	var datasets []Dataset
	err := retry.Do(
		func() error {
			out, err := src.List(ctx)
			if err != nil {
				return err
			}
			datasets = out
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.RetryIf(func(error) bool {
			return ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug().Err(err).Str("source", src.Name()).Uint("attempt", n+1).Msg("retrying dataset listing")
		}),
	)
	if err != nil {
		return nil, err
	}
	for i := range datasets {
		datasets[i].Source = src.Name()
	}
	return datasets, nil
}

func sortDatasets(datasets []Dataset) {
	sort.SliceStable(datasets, func(i, j int) bool {
		if datasets[i].Container != datasets[j].Container {
			return datasets[i].Container < datasets[j].Container
		}
		return datasets[i].Name < datasets[j].Name
	})
}
