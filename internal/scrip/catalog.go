package scrip

import (
	"bytes"
	"encoding/csv"
	"io"
	"math"
	"path"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cast"

	"neo-trader/internal/errors"
	"neo-trader/internal/models"
)

// expiryEpoch is the zero point of catalog expiry values.
var expiryEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Required catalog columns. A file missing either is skipped.
const (
	colTradingSymbol = "pTrdSymbol"
	colToken         = "pSymbol"
)

// catalogRow is one catalog line. Every column is read as text and coerced
// afterwards so that a single malformed cell never fails the whole file.
type catalogRow struct {
	TradingSymbol   string `csv:"pTrdSymbol"`
	Token           string `csv:"pSymbol"`
	ExchangeSegment string `csv:"pExchSeg"`
	LotSize         string `csv:"lLotSize"`
	InstrumentType  string `csv:"pInstType"`
	OptionType      string `csv:"pOptionType"`
	ExpiryDate      string `csv:"lExpiryDate"`
	StrikeD         string `csv:"dStrikePrice"`
	StrikeP         string `csv:"pStrikePrice"`
	CompanyName     string `csv:"pSymbolName"`
	Description     string `csv:"pDesc"`
	Multiplier      string `csv:"lMultiplier"`
	Precision       string `csv:"lPrecision"`
}

// headerReader wraps encoding/csv and normalizes the header row: the
// broker's files carry stray whitespace and trailing ';' on column names.
type headerReader struct {
	r       *csv.Reader
	header  []string
	started bool
}

func newHeaderReader(data []byte) *headerReader {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return &headerReader{r: r}
}

func (h *headerReader) Read() ([]string, error) {
	rec, err := h.r.Read()
	if err != nil {
		return nil, err
	}
	if !h.started {
		h.started = true
		for i, col := range rec {
			rec[i] = NormalizeHeader(col)
		}
		h.header = rec
	}
	return rec, nil
}

func (h *headerReader) ReadAll() ([][]string, error) {
	var out [][]string
	for {
		rec, err := h.Read()
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		out = append(out, rec)
	}
}

// NormalizeHeader trims whitespace, a byte-order mark and trailing ';'.
func NormalizeHeader(col string) string {
	col = strings.TrimPrefix(col, "\ufeff")
	col = strings.TrimSpace(col)
	col = strings.TrimRight(col, ";")
	return strings.TrimSpace(col)
}

// SegmentLabel derives the segment label from a catalog file URL,
// e.g. ".../nse_cm.csv" -> "NSE_CM".
func SegmentLabel(fileURL string) string {
	name := path.Base(fileURL)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return strings.ToUpper(strings.TrimSuffix(name, ".csv"))
}

// parseOptions tunes field fixups.
type parseOptions struct {
	strikeThreshold float64
}

// parseCatalog decodes one catalog file into instruments tagged with segment.
func parseCatalog(segment string, data []byte, opts parseOptions) ([]models.Instrument, error) {
	reader := newHeaderReader(data)

	var rows []catalogRow
	if err := gocsv.UnmarshalCSV(reader, &rows); err != nil {
		return nil, errors.NewCatalogError(segment, "failed to decode csv", err)
	}

	present := make(map[string]bool, len(reader.header))
	for _, col := range reader.header {
		present[col] = true
	}
	if !present[colTradingSymbol] || !present[colToken] {
		return nil, errors.NewCatalogError(segment, "missing required columns pTrdSymbol/pSymbol", nil)
	}

	cashSegment := strings.Contains(segment, "CM")
	out := make([]models.Instrument, 0, len(rows))
	for _, row := range rows {
		symbol := strings.TrimSpace(row.TradingSymbol)
		token := normalizeToken(row.Token)
		if symbol == "" || token == "" {
			continue
		}

		inst := models.Instrument{
			TradingSymbol:   symbol,
			InstrumentToken: token,
			ExchangeSegment: strings.TrimSpace(row.ExchangeSegment),
			Segment:         segment,
			InstrumentType:  strings.TrimSpace(row.InstrumentType),
			LotSize:         int(parseFloat(row.LotSize)),
			OptionType:      strings.TrimSpace(row.OptionType),
			CompanyName:     strings.TrimSpace(row.CompanyName),
			Description:     strings.TrimSpace(row.Description),
			ExpiryDate:      ExpiryFromEpoch(row.ExpiryDate),
		}

		if inst.InstrumentType == "" && cashSegment {
			inst.InstrumentType = "EQ"
		}

		strikeRaw := row.StrikeD
		if strings.TrimSpace(strikeRaw) == "" {
			strikeRaw = row.StrikeP
		}
		if v, ok := parseOptional(strikeRaw); ok {
			strike := NormalizeStrike(v, inst.InstrumentType, opts.strikeThreshold)
			inst.StrikePrice = &strike
		}

		if v, ok := parseOptional(row.Multiplier); ok && v > 0 {
			inst.Multiplier = &v
		}
		if v, ok := parseOptional(row.Precision); ok && v >= 0 {
			p := int(v)
			inst.Precision = &p
		}

		out = append(out, inst)
	}
	return out, nil
}

// NormalizeStrike undoes the ×100 scaling the catalog applies to option
// strikes above threshold. Other values pass through unchanged.
func NormalizeStrike(raw float64, instrumentType string, threshold float64) float64 {
	if raw < 0 || math.IsNaN(raw) {
		return raw
	}
	if strings.Contains(strings.ToUpper(instrumentType), "OPT") && raw > threshold {
		return raw / 100
	}
	return raw
}

// ExpiryFromEpoch converts seconds since 1980-01-01 UTC to YYYY-MM-DD.
// Blank, non-numeric and negative values yield "".
func ExpiryFromEpoch(raw string) string {
	v, ok := parseOptional(raw)
	if !ok || v < 0 {
		return ""
	}
	return expiryEpoch.Add(time.Duration(int64(v)) * time.Second).Format("2006-01-02")
}

// normalizeToken renders numeric tokens without a trailing ".0".
func normalizeToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, ".0") {
		if _, err := cast.ToInt64E(strings.TrimSuffix(raw, ".0")); err == nil {
			return strings.TrimSuffix(raw, ".0")
		}
	}
	return raw
}

func parseOptional(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseFloat(raw string) float64 {
	v, _ := parseOptional(raw)
	return v
}
