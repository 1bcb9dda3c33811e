// Package production synthesizes the monthly catch records declared on the form.
package production

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/interrupt"
)

// UnitKilo is the unit label the form expects for every species.
const UnitKilo = "Quilo (Kg)"

const (
	defaultTimeout = 10 * time.Second
	// exact-total month bounds for the solved weight.
	minSolvedWeight = 1
	maxSolvedWeight = 100
)

// ErrEmptyCatalog is returned when there is no species to declare.
var ErrEmptyCatalog = errors.New("species catalog is empty")

// Row is one line of the results table, already formatted for the form.
type Row struct {
	Species  string
	Unit     string
	Quantity string
	// Price uses a comma decimal separator, e.g. "12,00".
	Price string
}

// Batch is one month of generated production.
type Batch struct {
	Month      string
	Rows       []Row
	TotalCents int64
	// Fallback is set when the search timed out and Rows may miss the target.
	Fallback bool
}

type species struct {
	name       string
	priceCents int64
	baseKg     int
}

type pick struct {
	sp     species
	weight int64
}

// Generator draws plausible catch sets whose value lands in the configured range.
type Generator struct {
	catalog    []species
	minCents   int64
	maxCents   int64
	variance   float64
	exactMonth string
	exactCents int64
	daysMin    int
	daysMax    int

	timeout time.Duration
	now     func() time.Time
	tok     *interrupt.Token
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand sets the random source, mainly for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) { g.rng = r }
}

// WithClock overrides the wall clock used for the search timeout.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithTimeout bounds the search for a satisfying combination.
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator builds a generator from a declaration snapshot.
func NewGenerator(d config.DeclarationConfig, tok *interrupt.Token, opts ...Option) *Generator {
	g := &Generator{
		minCents:   toCents(d.TargetMin),
		maxCents:   toCents(d.TargetMax),
		variance:   d.WeightVariance,
		exactMonth: d.ExactTotalMonth,
		exactCents: toCents(d.ExactTotal),
		daysMin:    d.DaysMin,
		daysMax:    d.DaysMax,
		timeout:    defaultTimeout,
		now:        time.Now,
		tok:        tok,
		logger:     zap.NewNop(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, s := range d.Catalog {
		sp := species{name: s.Name, priceCents: toCents(s.UnitPrice), baseKg: s.BaseWeightKg}
		if sp.priceCents <= 0 || sp.baseKg <= 0 {
			g.logger.Warn("Espécie ignorada: preço ou peso base inválido.", zap.String("species", s.Name))
			continue
		}
		g.catalog = append(g.catalog, sp)
	}
	return g
}

// IsExactMonth reports whether month is declared with the exact fixed total.
func (g *Generator) IsExactMonth(month string) bool {
	return g.exactMonth != "" && strings.EqualFold(month, g.exactMonth)
}

// WorkedDays draws the day count declared for a production month.
func (g *Generator) WorkedDays() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.daysMax <= g.daysMin {
		return g.daysMin
	}
	return g.daysMin + g.rng.Intn(g.daysMax-g.daysMin+1)
}

// Generate returns the catch records for month. It retries random draws until
// the total satisfies the month's rule or the timeout expires, in which case the
// last draw is returned with Fallback set. The only errors are interruption and
// an empty catalog.
func (g *Generator) Generate(ctx context.Context, month string) (Batch, error) {
	if len(g.catalog) == 0 {
		return Batch{Month: month}, ErrEmptyCatalog
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	exact := g.IsExactMonth(month)
	start := g.now()
	var last []pick
	for {
		if g.now().Sub(start) > g.timeout {
			g.logger.Warn(fmt.Sprintf("Timeout ao gerar valores para %s.", month))
			break
		}
		if err := g.check(ctx); err != nil {
			return Batch{Month: month}, err
		}

		chosen := g.sample()
		if exact {
			picks, ok := g.solveExact(chosen)
			last = picks
			if ok {
				return newBatch(month, picks, false), nil
			}
			continue
		}

		picks := make([]pick, len(chosen))
		for i, sp := range chosen {
			picks[i] = pick{sp: sp, weight: g.weight(sp.baseKg)}
		}
		last = picks
		if total := sum(picks); total >= g.minCents && total <= g.maxCents {
			return newBatch(month, picks, false), nil
		}
	}

	if len(last) == 0 {
		// Timed out before the first draw.
		chosen := g.sample()
		for _, sp := range chosen {
			last = append(last, pick{sp: sp, weight: g.weight(sp.baseKg)})
		}
	}
	return newBatch(month, last, true), nil
}

func (g *Generator) check(ctx context.Context) error {
	if g.tok != nil {
		if err := g.tok.Check(); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		if g.tok != nil {
			return g.tok.Translate(err)
		}
		return err
	}
	return nil
}

// sample picks 3 or 4 distinct species, or the whole catalog when it is smaller.
func (g *Generator) sample() []species {
	n := 3 + g.rng.Intn(2)
	if len(g.catalog) < n {
		return append([]species(nil), g.catalog...)
	}
	out := make([]species, 0, n)
	for _, idx := range g.rng.Perm(len(g.catalog))[:n] {
		out = append(out, g.catalog[idx])
	}
	return out
}

// weight draws uniformly from [max(1, base-Δ), base+Δ], Δ = floor(base·variance).
func (g *Generator) weight(base int) int64 {
	delta := int(float64(base) * g.variance)
	lo := base - delta
	if lo < 1 {
		lo = 1
	}
	hi := base + delta
	return int64(lo + g.rng.Intn(hi-lo+1))
}

// solveExact draws all but the last species and solves the last weight so the
// total equals the exact target. When no integer weight in [1, 100] exists the
// returned picks carry the nearest clamped weight and ok is false.
func (g *Generator) solveExact(chosen []species) (picks []pick, ok bool) {
	picks = make([]pick, 0, len(chosen))
	var partial int64
	for _, sp := range chosen[:len(chosen)-1] {
		w := g.weight(sp.baseKg)
		picks = append(picks, pick{sp: sp, weight: w})
		partial += w * sp.priceCents
	}

	lastSp := chosen[len(chosen)-1]
	missing := g.exactCents - partial
	if missing > 0 && missing%lastSp.priceCents == 0 {
		if w := missing / lastSp.priceCents; w >= minSolvedWeight && w <= maxSolvedWeight {
			return append(picks, pick{sp: lastSp, weight: w}), true
		}
	}

	approx := int64(math.Round(float64(missing) / float64(lastSp.priceCents)))
	if approx < minSolvedWeight {
		approx = minSolvedWeight
	}
	if approx > maxSolvedWeight {
		approx = maxSolvedWeight
	}
	return append(picks, pick{sp: lastSp, weight: approx}), false
}

func sum(picks []pick) int64 {
	var total int64
	for _, p := range picks {
		total += p.weight * p.sp.priceCents
	}
	return total
}

func newBatch(month string, picks []pick, fallback bool) Batch {
	b := Batch{Month: month, TotalCents: sum(picks), Fallback: fallback}
	for _, p := range picks {
		b.Rows = append(b.Rows, Row{
			Species:  p.sp.name,
			Unit:     UnitKilo,
			Quantity: strconv.FormatInt(p.weight, 10),
			Price:    FormatCents(p.sp.priceCents),
		})
	}
	return b
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

// FormatCents renders an amount with a comma decimal separator, e.g. 1234 -> "12,34".
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d,%02d", sign, c/100, c%100)
}
