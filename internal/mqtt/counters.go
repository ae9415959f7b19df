package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/steward/internal/clock"
	"github.com/nugget/steward/internal/events"
)

// Counters is a snapshot of one day's activity.
type Counters struct {
	Day          string `json:"day"`
	Runs         int64  `json:"runs"`
	Failures     int64  `json:"failures"`
	ToolCalls    int64  `json:"tool_calls"`
	ToolFailures int64  `json:"tool_failures"`
	ReplayHits   int64  `json:"replay_hits"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// DailyCounters accumulates activity from bus events and resets at
// local midnight. It is safe for concurrent use.
type DailyCounters struct {
	mu    sync.Mutex
	c     Counters
	clock clock.Clock
	loc   *time.Location
}

// NewDailyCounters creates an accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used; if c is nil,
// wall time.
func NewDailyCounters(c clock.Clock, loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	if c == nil {
		c = clock.Real{}
	}
	d := &DailyCounters{clock: c, loc: loc}
	d.c.Day = d.today()
	return d
}

func (d *DailyCounters) today() string {
	return d.clock.Now().In(d.loc).Format(time.DateOnly)
}

// Observe folds one event into the counters.
func (d *DailyCounters) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch e.Kind {
	case events.KindRequestComplete:
		d.c.Runs++
		if ok, _ := e.Data["success"].(bool); !ok {
			d.c.Failures++
		}
	case events.KindToolDone:
		d.c.ToolCalls++
		if ok, _ := e.Data["ok"].(bool); !ok {
			d.c.ToolFailures++
		}
	case events.KindLLMResponse:
		d.c.InputTokens += toInt64(e.Data["tokens_in"])
		d.c.OutputTokens += toInt64(e.Data["tokens_out"])
	case events.KindReplayHit:
		d.c.ReplayHits++
	}
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyCounters) Snapshot() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.c
}

// maybeReset zeroes the accumulators if the local date has changed.
// Must be called with d.mu held.
func (d *DailyCounters) maybeReset() {
	if today := d.today(); today != d.c.Day {
		d.c = Counters{Day: today}
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
