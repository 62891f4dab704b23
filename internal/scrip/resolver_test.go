package scrip

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
)

// fakeSource serves catalog files from memory.
type fakeSource struct {
	mu      sync.Mutex
	order   []string
	files   map[string]string
	fail    map[string]error
	listErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{files: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeSource) put(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[url]; !ok {
		f.order = append(f.order, url)
	}
	f.files[url] = body
}

func (f *fakeSource) CatalogFiles(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out, nil
}

func (f *fakeSource) FetchCatalog(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[url]; err != nil {
		return nil, err
	}
	return []byte(f.files[url]), nil
}

const cashCSV = ` pSymbol;,pExchSeg,pTrdSymbol;,lLotSize;,pInstType,pSymbolName;,lMultiplier,lPrecision
11536,nse_cm,TCS-EQ,1,,Tata Consultancy Services Ltd,1,2
2885,nse_cm,RELIANCE-EQ,1,,Reliance Industries Ltd,,
1023,nse_cm,FEDERALBNK-EQ,1,EQ,Federal Bank Ltd,1,2
`

const foCSV = `pSymbol,pExchSeg,pTrdSymbol,lLotSize,pInstType,pOptionType,lExpiryDate,dStrikePrice;,pSymbolName
35001,nse_fo,NIFTY25JANFUT,75,FUTIDX,XX,1422403200,-1,NIFTY
35002,nse_fo,NIFTY25JAN26000CE,75,OPTIDX,CE,1422403200,2600000,NIFTY
35003,nse_fo,NIFTY25JAN500PE,75,OPTIDX,PE,1422403200,500,NIFTY
35004,nse_fo,BADEXPIRY,75,OPTIDX,PE,nan,1000000,NIFTY
`

func newTestResolver(src CatalogSource) *Resolver {
	return NewResolver(src, Config{}, zerolog.Nop())
}

func TestReloadParsesAndIndexes(t *testing.T) {
	src := newFakeSource()
	src.put("https://files.test/2025/nse_cm.csv", cashCSV)
	src.put("https://files.test/2025/nse_fo.csv", foCSV)

	r := newTestResolver(src)
	n, err := r.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n != 7 || r.Count() != 7 {
		t.Fatalf("loaded %d (count %d), want 7", n, r.Count())
	}

	tcs, ok := r.Get("TCS-EQ")
	if !ok {
		t.Fatal("TCS-EQ not found")
	}
	if tcs.InstrumentToken != "11536" || tcs.Segment != "NSE_CM" || tcs.InstrumentType != "EQ" {
		t.Errorf("TCS-EQ = %+v", tcs)
	}
	if tcs.Multiplier == nil || *tcs.Multiplier != 1 || tcs.Precision == nil || *tcs.Precision != 2 {
		t.Errorf("TCS-EQ scaling = %v/%v", tcs.Multiplier, tcs.Precision)
	}
	if rel, _ := r.Get("RELIANCE-EQ"); rel.Multiplier != nil || rel.Precision != nil {
		t.Errorf("blank scaling columns should stay unset: %+v", rel)
	}

	byTok, ok := r.GetByToken("35002", "NSE_FO")
	if !ok || byTok.TradingSymbol != "NIFTY25JAN26000CE" {
		t.Fatalf("GetByToken = %+v, %v", byTok, ok)
	}
	if byTok.StrikePrice == nil || *byTok.StrikePrice != 26000 {
		t.Errorf("strike = %v, want 26000", byTok.StrikePrice)
	}
	if byTok.ExpiryDate != "2025-01-27" {
		t.Errorf("expiry = %q, want 2025-01-27", byTok.ExpiryDate)
	}

	if put, _ := r.Get("NIFTY25JAN500PE"); put.StrikePrice == nil || *put.StrikePrice != 500 {
		t.Errorf("small strike rescaled: %v", put.StrikePrice)
	}
	if bad, _ := r.Get("BADEXPIRY"); bad.ExpiryDate != "" || *bad.StrikePrice != 1000000 {
		t.Errorf("BADEXPIRY = %+v", bad)
	}
	if fut, _ := r.Get("NIFTY25JANFUT"); fut.InstrumentType != "FUTIDX" {
		t.Errorf("FO segment must not default to EQ: %+v", fut)
	}

	segs := r.Segments()
	if len(segs) != 2 || segs[0] != "NSE_CM" || segs[1] != "NSE_FO" {
		t.Errorf("segments = %v", segs)
	}
	if r.LoadedAt().IsZero() {
		t.Error("LoadedAt not set")
	}
}

func TestReloadSkipsBadFiles(t *testing.T) {
	src := newFakeSource()
	src.put("https://files.test/nse_cm.csv", cashCSV)
	src.put("https://files.test/bse_cm.csv", "foo,bar\n1,2\n")
	src.put("https://files.test/mcx_fo.csv", "")
	src.fail["https://files.test/mcx_fo.csv"] = fmt.Errorf("%w: connection reset", errors.ErrTransport)

	r := newTestResolver(src)
	n, err := r.Reload(context.Background())
	if err != nil {
		t.Fatalf("partial failure must not be fatal: %v", err)
	}
	if n != 3 {
		t.Errorf("loaded %d, want 3", n)
	}
	stats := r.Stats()
	if stats.Loaded != 1 || stats.Failed != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReloadAllFailuresIsCatalogUnavailable(t *testing.T) {
	src := newFakeSource()
	src.put("https://files.test/nse_cm.csv", cashCSV)

	r := newTestResolver(src)
	if _, err := r.Reload(context.Background()); err != nil {
		t.Fatalf("initial Reload: %v", err)
	}

	src.fail["https://files.test/nse_cm.csv"] = errors.ErrTransport
	if _, err := r.Reload(context.Background()); !errors.Is(err, errors.ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
	if _, ok := r.Get("TCS-EQ"); !ok {
		t.Error("previous table must survive a failed reload")
	}

	src.listErr = errors.New("gateway down")
	if _, err := r.Reload(context.Background()); !errors.Is(err, errors.ErrCatalogUnavailable) {
		t.Fatalf("listing failure: expected ErrCatalogUnavailable, got %v", err)
	}
}

func TestTokenCollisionLastFileWins(t *testing.T) {
	src := newFakeSource()
	src.put("https://files.test/a.csv", "pSymbol,pExchSeg,pTrdSymbol\n777,nse_cm,FIRST-EQ\n")
	src.put("https://files.test/b.csv", "pSymbol,pExchSeg,pTrdSymbol\n777,NSE_CM,SECOND-EQ\n")

	r := newTestResolver(src)
	if _, err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	inst, ok := r.GetByToken("777", "nse_cm")
	if !ok || inst.TradingSymbol != "SECOND-EQ" {
		t.Errorf("GetByToken = %+v", inst)
	}
	if r.Stats().Overwrites != 1 {
		t.Errorf("overwrites = %d", r.Stats().Overwrites)
	}
}

func TestSearch(t *testing.T) {
	src := newFakeSource()
	src.put("https://files.test/nse_cm.csv", cashCSV)
	r := newTestResolver(src)
	r.Reload(context.Background())

	if got := r.Search("tata", 0); len(got) != 1 || got[0].TradingSymbol != "TCS-EQ" {
		t.Errorf("Search(tata) = %+v", got)
	}
	if got := r.Search("-eq", 2); len(got) != 2 {
		t.Errorf("Search limit ignored: %d results", len(got))
	}
	if got := r.Search("  ", 0); got != nil {
		t.Errorf("blank query returned %v", got)
	}
}

func TestGetIsIdempotent(t *testing.T) {
	src := newFakeSource()
	src.put("https://files.test/nse_fo.csv", foCSV)
	r := newTestResolver(src)
	r.Reload(context.Background())

	a, _ := r.Get("NIFTY25JAN26000CE")
	b, _ := r.Get("NIFTY25JAN26000CE")
	if a.TradingSymbol != b.TradingSymbol || *a.StrikePrice != *b.StrikePrice || a.ExpiryDate != b.ExpiryDate {
		t.Errorf("Get not idempotent: %+v vs %+v", a, b)
	}
	*a.StrikePrice = 1
	if c, _ := r.Get("NIFTY25JAN26000CE"); *c.StrikePrice != 26000 {
		t.Errorf("caller mutation leaked into the table: %v", *c.StrikePrice)
	}
}

func TestNormalizeHeaderAndSegmentLabel(t *testing.T) {
	if got := NormalizeHeader("\ufeff dStrikePrice; "); got != "dStrikePrice" {
		t.Errorf("NormalizeHeader = %q", got)
	}
	if got := SegmentLabel("https://x.test/2025-01-06/transformed/nse_fo.csv?sig=abc"); got != "NSE_FO" {
		t.Errorf("SegmentLabel = %q", got)
	}
}

func TestExpiryFromEpoch(t *testing.T) {
	tests := map[string]string{
		"0":          "1980-01-01",
		"1422403200": "2025-01-27",
		"":           "",
		"-1":         "",
		"nan":        "",
		"abc":        "",
	}
	for in, want := range tests {
		if got := ExpiryFromEpoch(in); got != want {
			t.Errorf("ExpiryFromEpoch(%q) = %q, want %q", in, got, want)
		}
	}
}

// Property: option strikes above the threshold are divided by 100, all
// others are returned unchanged.
func TestProperty_StrikeScaling(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	types := []string{"OPTIDX", "OPTSTK", "OPTCUR", "OPTFUT", "FUTIDX", "FUTSTK", "EQ", ""}

	properties.Property("strike scaling honours threshold and type", prop.ForAll(
		func(raw float64, idx int) bool {
			instType := types[idx]
			got := NormalizeStrike(raw, instType, DefaultStrikeThreshold)
			if strings.Contains(instType, "OPT") && raw > DefaultStrikeThreshold {
				return got == raw/100
			}
			return got == raw
		},
		gen.Float64Range(-10, 50_000_000),
		gen.IntRange(0, len(types)-1),
	))

	properties.Property("threshold is configurable", prop.ForAll(
		func(raw float64, threshold float64) bool {
			got := NormalizeStrike(raw, "OPTIDX", threshold)
			if raw > threshold {
				return got == raw/100
			}
			return got == raw
		},
		gen.Float64Range(0, 10_000_000),
		gen.Float64Range(1, 10_000_000),
	))

	properties.TestingRun(t)
}

// Property: readers racing a reload see either the old table or the new
// table in full, never a mixture.
func TestProperty_ReloadSwapIsAtomic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	catalog := func(gen, n int) string {
		var b strings.Builder
		b.WriteString("pSymbol,pExchSeg,pTrdSymbol,pSymbolName\n")
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "%d,nse_cm,SYM%d-EQ,G%d\n", i, i, gen)
		}
		return b.String()
	}

	properties.Property("lookups never mix generations", prop.ForAll(
		func(size int, reloads int) bool {
			src := newFakeSource()
			src.put("https://files.test/nse_cm.csv", catalog(0, size))
			r := newTestResolver(src)
			if _, err := r.Reload(context.Background()); err != nil {
				return false
			}

			var mixed atomic.Bool
			stop := make(chan struct{})
			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						// One snapshot read: all rows must come from one generation.
						rows := r.Search("-EQ", size)
						if len(rows) != size {
							mixed.Store(true)
							return
						}
						for _, row := range rows[1:] {
							if row.CompanyName != rows[0].CompanyName {
								mixed.Store(true)
								return
							}
						}
					}
				}()
			}

			for g := 1; g <= reloads; g++ {
				src.put("https://files.test/nse_cm.csv", catalog(g, size))
				if _, err := r.Reload(context.Background()); err != nil {
					mixed.Store(true)
				}
			}
			close(stop)
			wg.Wait()

			last, _ := r.Get("SYM0-EQ")
			return !mixed.Load() && last.CompanyName == fmt.Sprintf("G%d", reloads)
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
