package stream

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"neo-trader/internal/logging"
	"neo-trader/internal/models"
	"neo-trader/pkg/utils"
)

// Default price scale when neither the tick nor the catalog carries one.
const (
	DefaultMultiplier = 1.0
	DefaultPrecision  = 2
)

// RejectReason names why a raw tick was dropped.
type RejectReason string

const (
	RejectTokenNotFound RejectReason = "TOKEN_NOT_FOUND"
	RejectMalformed     RejectReason = "MALFORMED"
)

// TokenResolver looks up the instrument streaming under (token, segment).
type TokenResolver interface {
	GetByToken(token, segment string) (models.Instrument, bool)
}

// Rejection is emitted for every dropped tick.
type Rejection struct {
	Reason  RejectReason
	Token   string
	Segment string
}

// NormalizerStats counts normalizer outcomes since construction.
type NormalizerStats struct {
	Accepted   uint64                  `json:"accepted"`
	Rejections map[RejectReason]uint64 `json:"rejections"`
}

// Normalizer turns raw broker ticks into display-ready quotes. It never
// fails: bad ticks are dropped, counted and reported through OnReject.
type Normalizer struct {
	resolver TokenResolver
	logger   zerolog.Logger
	now      func() time.Time
	onReject func(Rejection)

	accepted      atomic.Uint64
	tokenNotFound atomic.Uint64
	malformed     atomic.Uint64
}

// NewNormalizer creates a normalizer backed by resolver.
func NewNormalizer(resolver TokenResolver, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		resolver: resolver,
		logger:   logging.WithComponent(logger, "normalizer"),
		now:      time.Now,
	}
}

// SetClock overrides the wall clock used for timestamps and session status.
func (n *Normalizer) SetClock(now func() time.Time) {
	n.now = now
}

// OnReject registers a hook invoked synchronously for each dropped tick.
func (n *Normalizer) OnReject(fn func(Rejection)) {
	n.onReject = fn
}

// Normalize resolves and scales one raw tick. The second result is false
// when the tick was rejected.
func (n *Normalizer) Normalize(raw models.RawTick) (models.Tick, bool) {
	if raw.Token == "" || raw.Segment == "" {
		n.reject(RejectMalformed, raw)
		return models.Tick{}, false
	}

	inst, ok := n.resolver.GetByToken(raw.Token, raw.Segment)
	if !ok {
		n.reject(RejectTokenNotFound, raw)
		return models.Tick{}, false
	}

	scale := priceScale(raw, inst)
	if _, hasMul := optionalFloat(raw.Multiplier); !hasMul {
		n.logger.Debug().
			Str("symbol", inst.TradingSymbol).
			Float64("scale", scale).
			Msg("Tick scale taken from catalog")
	}

	now := n.now()
	segment := inst.ExchangeSegment
	if segment == "" {
		segment = raw.Segment
	}
	session := utils.MarketSession(segment, now)

	n.accepted.Add(1)
	return models.Tick{
		Symbol:         inst.TradingSymbol,
		DisplayName:    utils.DisplayName(inst),
		LTP:            scaled(raw.LTP, scale),
		Open:           scaled(raw.Open, scale),
		High:           scaled(raw.High, scale),
		Low:            scaled(raw.Low, scale),
		Close:          scaled(raw.Close, scale),
		Volume:         volume(raw.Volume),
		Timestamp:      now.Unix(),
		InstrumentType: inst.InstrumentType,
		Exchange:       models.Exchange(utils.ExchangeLabel(raw.Segment)),
		Session:        session.Status,
		IsAMO:          session.IsAMO,
	}, true
}

// Stats returns accepted and rejected counts.
func (n *Normalizer) Stats() NormalizerStats {
	return NormalizerStats{
		Accepted: n.accepted.Load(),
		Rejections: map[RejectReason]uint64{
			RejectTokenNotFound: n.tokenNotFound.Load(),
			RejectMalformed:     n.malformed.Load(),
		},
	}
}

func (n *Normalizer) reject(reason RejectReason, raw models.RawTick) {
	switch reason {
	case RejectTokenNotFound:
		n.tokenNotFound.Add(1)
		n.logger.Warn().
			Str("reason", string(reason)).
			Str("token", raw.Token).
			Str("segment", raw.Segment).
			Msg("Rejected tick")
	default:
		n.malformed.Add(1)
		n.logger.Debug().Str("reason", string(reason)).Msg("Rejected tick")
	}
	if n.onReject != nil {
		n.onReject(Rejection{Reason: reason, Token: raw.Token, Segment: raw.Segment})
	}
}

// priceScale is multiplier × 10^precision, each taken from the tick when
// present and from the catalog otherwise.
func priceScale(raw models.RawTick, inst models.Instrument) float64 {
	mul := DefaultMultiplier
	if v, ok := optionalFloat(raw.Multiplier); ok {
		mul = v
	} else if inst.Multiplier != nil {
		mul = *inst.Multiplier
	}

	prec := float64(DefaultPrecision)
	if v, ok := optionalFloat(raw.Precision); ok {
		prec = v
	} else if inst.Precision != nil {
		prec = float64(*inst.Precision)
	}

	scale := mul * math.Pow(10, prec)
	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return DefaultMultiplier * math.Pow(10, DefaultPrecision)
	}
	return scale
}

func optionalFloat(v interface{}) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// scaled divides a raw price by scale; absent or unparseable values are 0.
func scaled(v interface{}, scale float64) float64 {
	f, ok := optionalFloat(v)
	if !ok {
		return 0
	}
	return f / scale
}

func volume(v interface{}) int64 {
	f, ok := optionalFloat(v)
	if !ok {
		return 0
	}
	return int64(f)
}
