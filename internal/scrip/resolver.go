// Package scrip loads the broker's instrument catalog and resolves symbols
// and streaming tokens to instrument records.
package scrip

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
	"neo-trader/internal/models"
	"neo-trader/internal/performance"
)

// DefaultStrikeThreshold is the raw option strike above which catalog
// values are treated as scaled ×100.
const DefaultStrikeThreshold = 1_000_000

// DefaultSearchLimit caps Search results when no limit is given.
const DefaultSearchLimit = 20

// CatalogSource lists and downloads catalog files.
type CatalogSource interface {
	CatalogFiles(ctx context.Context) ([]string, error)
	FetchCatalog(ctx context.Context, fileURL string) ([]byte, error)
}

// DefaultWorkers is the number of catalog files downloaded at once.
const DefaultWorkers = 4

// Config tunes the resolver.
type Config struct {
	StrikeThreshold float64
	SearchLimit     int
	Workers         int
}

// tokenKey indexes the streaming lookup.
type tokenKey struct {
	token   string
	segment string
}

// table is one complete, immutable catalog. It is never mutated after
// being published.
type table struct {
	bySymbol map[string]*models.Instrument
	byToken  map[tokenKey]*models.Instrument
	ordered  []*models.Instrument
	segments []string
	loadedAt time.Time
	stats    ReloadStats
}

// FileStats is the outcome of loading one catalog file.
type FileStats struct {
	Segment     string `json:"segment"`
	URL         string `json:"url"`
	Instruments int    `json:"instruments"`
	Error       string `json:"error,omitempty"`
}

// ReloadStats summarizes the last successful reload.
type ReloadStats struct {
	Files       []FileStats   `json:"files"`
	Loaded      int           `json:"loaded_files"`
	Failed      int           `json:"failed_files"`
	Instruments int           `json:"instruments"`
	Overwrites  int           `json:"token_overwrites"`
	Duration    time.Duration `json:"duration"`
}

// Resolver answers symbol and token lookups against the last fully loaded
// catalog. Reload builds a new table off to the side and swaps it in with
// a single pointer store.
type Resolver struct {
	source CatalogSource
	cfg    Config
	logger zerolog.Logger

	current  atomic.Pointer[table]
	reloadMu sync.Mutex
}

// NewResolver creates an empty resolver.
func NewResolver(source CatalogSource, cfg Config, logger zerolog.Logger) *Resolver {
	if cfg.StrikeThreshold <= 0 {
		cfg.StrikeThreshold = DefaultStrikeThreshold
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultSearchLimit
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	r := &Resolver{
		source: source,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "scrip"),
	}
	r.current.Store(&table{
		bySymbol: map[string]*models.Instrument{},
		byToken:  map[tokenKey]*models.Instrument{},
	})
	return r
}

// Reload downloads every catalog file the broker lists and publishes the
// merged table. Individual file failures are logged and skipped; only when
// no file loads does it fail with ErrCatalogUnavailable, leaving the
// previous table in place.
func (r *Resolver) Reload(ctx context.Context) (int, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	start := time.Now()
	files, err := r.source.CatalogFiles(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list catalog files")
		return 0, errors.Wrap(errors.ErrCatalogUnavailable, err.Error())
	}
	r.logger.Info().Int("files", len(files)).Msg("Catalog files discovered")

	fetched, err := r.fetchAll(ctx, files)
	if err != nil {
		return 0, err
	}

	// Merge in listing order so a later file still wins duplicate tokens.
	b := newBuilder(r.logger)
	for _, f := range fetched {
		fs := FileStats{Segment: f.segment, URL: f.url}
		if f.err != nil {
			fs.Error = f.err.Error()
			b.stats.Files = append(b.stats.Files, fs)
			b.stats.Failed++
			continue
		}
		b.add(f.segment, f.insts)
		fs.Instruments = len(f.insts)
		b.stats.Files = append(b.stats.Files, fs)
		b.stats.Loaded++
	}

	if b.stats.Loaded == 0 {
		r.logger.Error().Int("failed", b.stats.Failed).Msg("No catalog file loaded")
		return 0, errors.ErrCatalogUnavailable
	}

	t := b.build(time.Now(), time.Since(start))
	r.current.Store(t)

	r.logger.Info().
		Int("instruments", len(t.ordered)).
		Int("symbols", len(t.bySymbol)).
		Int("tokens", len(t.byToken)).
		Int("overwrites", t.stats.Overwrites).
		Dur("duration", t.stats.Duration).
		Msg("Catalog published")
	return len(t.ordered), nil
}

// fetchedFile is one downloaded and parsed catalog file.
type fetchedFile struct {
	segment string
	url     string
	insts   []models.Instrument
	err     error
}

// fetchAll downloads and parses every file on the worker pool. Results
// keep the order of files.
func (r *Resolver) fetchAll(ctx context.Context, files []string) ([]fetchedFile, error) {
	pool := performance.NewWorkerPool(r.cfg.Workers)
	pool.Start()
	defer pool.Stop()

	out := make([]fetchedFile, len(files))
	var wg sync.WaitGroup
	for i, url := range files {
		i, url := i, url
		out[i] = fetchedFile{segment: SegmentLabel(url), url: url}
		wg.Add(1)
		err := pool.Submit(ctx, func() {
			defer wg.Done()
			out[i].insts, out[i].err = r.fetchOne(ctx, out[i].segment, url)
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, err
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) fetchOne(ctx context.Context, segment, url string) ([]models.Instrument, error) {
	data, err := r.source.FetchCatalog(ctx, url)
	if err != nil {
		r.logger.Error().Err(err).Str("segment", segment).Msg("Failed to download catalog file")
		return nil, err
	}
	insts, err := parseCatalog(segment, data, parseOptions{strikeThreshold: r.cfg.StrikeThreshold})
	if err != nil {
		r.logger.Warn().Err(err).Str("segment", segment).Msg("Skipping catalog file")
		return nil, err
	}
	r.logger.Info().Str("segment", segment).Int("instruments", len(insts)).Msg("Catalog file loaded")
	return insts, nil
}

// Get returns the instrument for a trading symbol.
func (r *Resolver) Get(symbol string) (models.Instrument, bool) {
	inst, ok := r.current.Load().bySymbol[symbol]
	if !ok {
		return models.Instrument{}, false
	}
	return inst.Clone(), true
}

// GetByToken returns the instrument streaming under (token, segment).
// The segment comparison is case-insensitive.
func (r *Resolver) GetByToken(token, segment string) (models.Instrument, bool) {
	inst, ok := r.current.Load().byToken[tokenKey{token: token, segment: strings.ToLower(segment)}]
	if !ok {
		return models.Instrument{}, false
	}
	return inst.Clone(), true
}

// Search returns instruments whose trading symbol or company name contains
// query, case-insensitively, in catalog order.
func (r *Resolver) Search(query string, limit int) []models.Instrument {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	if limit <= 0 {
		limit = r.cfg.SearchLimit
	}

	var out []models.Instrument
	for _, inst := range r.current.Load().ordered {
		if strings.Contains(strings.ToUpper(inst.TradingSymbol), q) ||
			strings.Contains(strings.ToUpper(inst.CompanyName), q) {
			out = append(out, inst.Clone())
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Count returns the number of catalog rows loaded.
func (r *Resolver) Count() int {
	return len(r.current.Load().ordered)
}

// Segments lists the segment labels in the current table.
func (r *Resolver) Segments() []string {
	segs := r.current.Load().segments
	out := make([]string, len(segs))
	copy(out, segs)
	return out
}

// LoadedAt is when the current table was published; zero before the first load.
func (r *Resolver) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

// Stats returns statistics from the reload that produced the current table.
func (r *Resolver) Stats() ReloadStats {
	return r.current.Load().stats
}

// builder accumulates one reload.
type builder struct {
	logger   zerolog.Logger
	bySymbol map[string]*models.Instrument
	byToken  map[tokenKey]*models.Instrument
	ordered  []*models.Instrument
	segments map[string]bool
	stats    ReloadStats
}

func newBuilder(logger zerolog.Logger) *builder {
	return &builder{
		logger:   logger,
		bySymbol: make(map[string]*models.Instrument),
		byToken:  make(map[tokenKey]*models.Instrument),
		segments: make(map[string]bool),
	}
}

// add indexes one file's rows. Symbol lookups keep the first row seen;
// token lookups keep the last, with each overwrite logged and counted.
func (b *builder) add(segment string, insts []models.Instrument) {
	b.segments[segment] = true
	for i := range insts {
		inst := &insts[i]
		b.ordered = append(b.ordered, inst)

		if _, dup := b.bySymbol[inst.TradingSymbol]; !dup {
			b.bySymbol[inst.TradingSymbol] = inst
		}

		seg := inst.ExchangeSegment
		if seg == "" {
			seg = segment
		}
		key := tokenKey{token: inst.InstrumentToken, segment: strings.ToLower(seg)}
		if prev, dup := b.byToken[key]; dup {
			b.stats.Overwrites++
			b.logger.Debug().
				Str("token", key.token).
				Str("segment", key.segment).
				Str("previous", prev.TradingSymbol).
				Str("replacement", inst.TradingSymbol).
				Msg("Token key overwritten by later catalog row")
		}
		b.byToken[key] = inst
	}
}

func (b *builder) build(at time.Time, took time.Duration) *table {
	segs := make([]string, 0, len(b.segments))
	for s := range b.segments {
		segs = append(segs, s)
	}
	sort.Strings(segs)

	b.stats.Instruments = len(b.ordered)
	b.stats.Duration = took
	return &table{
		bySymbol: b.bySymbol,
		byToken:  b.byToken,
		ordered:  b.ordered,
		segments: segs,
		loadedAt: at,
		stats:    b.stats,
	}
}
