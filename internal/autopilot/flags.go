package autopilot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// FlagKind names a one-time policy flag
type FlagKind string

const (
	FlagProfitLevel FlagKind = "profit_level" // position scoped, level is the ladder index
	FlagLossStep    FlagKind = "loss_step"    // position scoped, level is the loss step
	FlagPDTBlocked  FlagKind = "pdt_blocked"  // day scoped, level is the trading day as yyyymmdd
)

func (k FlagKind) daily() bool {
	return k == FlagPDTBlocked
}

// FlagKey identifies a flag by symbol, kind and level
type FlagKey struct {
	Symbol string
	Kind   FlagKind
	Level  int
}

func (k FlagKey) String() string {
	return fmt.Sprintf("%s|%s|%d", k.Symbol, k.Kind, k.Level)
}

// ParseFlagKey is the inverse of FlagKey.String
func ParseFlagKey(s string) (FlagKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return FlagKey{}, fmt.Errorf("malformed flag key %q", s)
	}
	level, err := strconv.Atoi(parts[2])
	if err != nil {
		return FlagKey{}, fmt.Errorf("malformed flag level in %q: %w", s, err)
	}
	return FlagKey{Symbol: parts[0], Kind: FlagKind(parts[1]), Level: level}, nil
}

// FlagMirror persists flags so a restart inside the same trading day does not
// re-fire one-time actions
type FlagMirror interface {
	AddFlag(ctx context.Context, key string) error
	RemoveFlags(ctx context.Context, keys []string) error
	LoadFlags(ctx context.Context) ([]string, error)
}

// FlagTable is the scheduler-owned state table of one-time flags. Position
// scoped flags clear when the position closes; day scoped flags carry their
// trading day as level and clear on session rollover.
type FlagTable struct {
	mu     sync.RWMutex
	flags  map[FlagKey]bool
	day    int
	mirror FlagMirror
	logger zerolog.Logger
}

// NewFlagTable creates a flag table; mirror may be nil
func NewFlagTable(mirror FlagMirror, logger zerolog.Logger) *FlagTable {
	return &FlagTable{
		flags:  make(map[FlagKey]bool),
		mirror: mirror,
		logger: logger.With().Str("component", "FlagTable").Logger(),
	}
}

// Restore loads mirrored flags
func (t *FlagTable) Restore(ctx context.Context) int {
	if t.mirror == nil {
		return 0
	}
	keys, err := t.mirror.LoadFlags(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to restore flags")
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range keys {
		k, err := ParseFlagKey(s)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Skipping stored flag")
			continue
		}
		t.flags[k] = true
		n++
	}
	return n
}

// Has reports whether a flag is set
func (t *FlagTable) Has(symbol string, kind FlagKind, level int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flags[FlagKey{Symbol: symbol, Kind: kind, Level: level}]
}

// Set marks a flag
func (t *FlagTable) Set(symbol string, kind FlagKind, level int) {
	k := FlagKey{Symbol: symbol, Kind: kind, Level: level}
	t.mu.Lock()
	if t.flags[k] {
		t.mu.Unlock()
		return
	}
	t.flags[k] = true
	t.mu.Unlock()

	if t.mirror != nil {
		if err := t.mirror.AddFlag(context.Background(), k.String()); err != nil {
			t.logger.Warn().Err(err).Str("flag", k.String()).Msg("Failed to mirror flag")
		}
	}
}

// Levels returns the set levels of a kind for a symbol
func (t *FlagTable) Levels(symbol string, kind FlagKind) map[int]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]bool)
	for k := range t.flags {
		if k.Symbol == symbol && k.Kind == kind {
			out[k.Level] = true
		}
	}
	return out
}

// ClearSymbol drops the position scoped flags of a closed position
func (t *FlagTable) ClearSymbol(symbol string) int {
	return t.clear(func(k FlagKey) bool { return k.Symbol == symbol && !k.Kind.daily() })
}

// SetDay starts a trading day ("2006-01-02") and drops day scoped flags of
// any other day. It returns the number of flags dropped.
func (t *FlagTable) SetDay(day string) int {
	level := dayLevel(day)
	t.mu.Lock()
	t.day = level
	t.mu.Unlock()
	return t.clear(func(k FlagKey) bool { return k.Kind.daily() && k.Level != level })
}

func dayLevel(day string) int {
	n, err := strconv.Atoi(strings.ReplaceAll(day, "-", ""))
	if err != nil {
		return 0
	}
	return n
}

func (t *FlagTable) currentDay() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.day
}

func (t *FlagTable) clear(match func(FlagKey) bool) int {
	t.mu.Lock()
	var removed []string
	for k := range t.flags {
		if match(k) {
			delete(t.flags, k)
			removed = append(removed, k.String())
		}
	}
	t.mu.Unlock()

	if len(removed) > 0 && t.mirror != nil {
		if err := t.mirror.RemoveFlags(context.Background(), removed); err != nil {
			t.logger.Warn().Err(err).Int("count", len(removed)).Msg("Failed to remove mirrored flags")
		}
	}
	return len(removed)
}

// Symbols returns the symbols that carry position scoped flags
func (t *FlagTable) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool)
	for k := range t.flags {
		if !k.Kind.daily() {
			seen[k.Symbol] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every flag key, sorted
func (t *FlagTable) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.flags))
	for k := range t.flags {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

// IsPDTBlocked implements protection.PDTGuard
func (t *FlagTable) IsPDTBlocked(symbol string) bool {
	return t.Has(symbol, FlagPDTBlocked, t.currentDay())
}

// MarkPDTBlocked implements protection.PDTGuard
func (t *FlagTable) MarkPDTBlocked(symbol string) {
	t.Set(symbol, FlagPDTBlocked, t.currentDay())
	t.logger.Info().Str("symbol", symbol).Msg("Symbol PDT-blocked for the rest of the day")
}
