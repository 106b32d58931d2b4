package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradeview/streamrelay/internal/cache"
	"github.com/tradeview/streamrelay/internal/model"
	"github.com/tradeview/streamrelay/internal/upstream"
	"github.com/tradeview/streamrelay/internal/volatility"
)

type fakeSessions struct {
	ensureCalls     atomic.Int64
	invalidateCalls atomic.Int64
	err             error
}

func (f *fakeSessions) EnsureActive(_ context.Context, _ string) (string, error) {
	f.ensureCalls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "tok", nil
}

func (f *fakeSessions) Invalidate(_ string) {
	f.invalidateCalls.Add(1)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls [][]string
	// respond builds the response per call; swapped mid-test to drive
	// failure scenarios.
	respond func(instruments []string) (map[string]model.Quote, error)
}

func (f *fakeFetcher) Snapshot(_ context.Context, _ string, instruments []string) (map[string]model.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(instruments))
	copy(ids, instruments)
	f.calls = append(f.calls, ids)
	return f.respond(instruments)
}

func (f *fakeFetcher) setRespond(fn func([]string) (map[string]model.Quote, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) callSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.calls))
	for i, c := range f.calls {
		sizes[i] = len(c)
	}
	return sizes
}

func respondWithPrice(price float64) func([]string) (map[string]model.Quote, error) {
	var seq atomic.Int64
	return func(instruments []string) (map[string]model.Quote, error) {
		out := make(map[string]model.Quote, len(instruments))
		ts := time.Now().UnixMilli() + seq.Add(1)
		for _, id := range instruments {
			out[id] = model.Quote{InstrumentID: id, Price: price, Timestamp: ts}
		}
		return out, nil
	}
}

type chanSink struct {
	ch chan model.Quote
}

func (c *chanSink) Add(q model.Quote) {
	select {
	case c.ch <- q:
	default:
	}
}

type testRig struct {
	poller   *Poller
	sessions *fakeSessions
	fetcher  *fakeFetcher
	store    *cache.Store
	vol      *volatility.Tracker
	sink     *chanSink
}

func newRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	rig := &testRig{
		sessions: &fakeSessions{},
		fetcher:  &fakeFetcher{respond: respondWithPrice(100)},
		store:    cache.NewStore(cache.DefaultConfig(), nil),
		vol:      volatility.NewTracker(),
		sink:     &chanSink{ch: make(chan model.Quote, 256)},
	}
	rig.poller = New(cfg, rig.sessions, rig.fetcher, rig.store, rig.vol, rig.sink, nil)
	if err := rig.poller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rig.poller.Stop(ctx)
	})
	return rig
}

func fastConfig() Config {
	return Config{
		BaseInterval:     20 * time.Millisecond,
		MinInterval:      10 * time.Millisecond,
		MaxInterval:      time.Second,
		BatchSize:        10,
		FetchTimeout:     100 * time.Millisecond,
		DriftThreshold:   10 * time.Millisecond,
		MaxFetchFailures: 3,
	}
}

func waitQuote(t *testing.T, rig *testRig) model.Quote {
	t.Helper()
	select {
	case q := <-rig.sink.ch:
		return q
	case <-time.After(time.Second):
		t.Fatal("no quote reached the sink")
		return model.Quote{}
	}
}

func TestPollUpdatesCacheAndSink(t *testing.T) {
	rig := newRig(t, fastConfig())
	rig.poller.StartInstrument("alice", "265598")

	q := waitQuote(t, rig)
	if q.InstrumentID != "265598" || q.Price != 100 {
		t.Errorf("unexpected quote %+v", q)
	}
	if latest, ok := rig.store.GetLatest("265598"); !ok || latest.Price != 100 {
		t.Errorf("cache not updated: %+v ok=%v", latest, ok)
	}
	if rig.sessions.ensureCalls.Load() == 0 {
		t.Error("poll did not go through the session manager")
	}
}

func TestStopInstrumentHaltsPollingAndEvicts(t *testing.T) {
	rig := newRig(t, fastConfig())
	rig.poller.StartInstrument("alice", "265598")
	waitQuote(t, rig)

	rig.poller.StopInstrument("alice", "265598")
	if _, ok := rig.store.GetLatest("265598"); ok {
		t.Error("cache entry should be evicted when the last poller stops")
	}
	if rig.poller.InstrumentCount() != 0 {
		t.Error("instrument still tracked after stop")
	}

	// Drain anything in flight, then confirm polling stopped.
	time.Sleep(50 * time.Millisecond)
	for len(rig.sink.ch) > 0 {
		<-rig.sink.ch
	}
	select {
	case q := <-rig.sink.ch:
		t.Errorf("quote %+v arrived after stop", q)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSharedInstrumentSurvivesOneUsersStop(t *testing.T) {
	rig := newRig(t, fastConfig())
	rig.poller.StartInstrument("alice", "265598")
	rig.poller.StartInstrument("bob", "265598")
	waitQuote(t, rig)

	rig.poller.StopInstrument("alice", "265598")
	if _, ok := rig.store.GetLatest("265598"); !ok {
		t.Error("cache entry evicted while bob still polls the instrument")
	}
}

func TestBatchedFetchSplitsAtBatchSize(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseInterval = 50 * time.Millisecond
	rig := newRig(t, cfg)

	// 12 instruments in one group: expect fetches of 10 + 2.
	for i := 0; i < 12; i++ {
		rig.poller.StartInstrument("alice", string(rune('a'+i)))
	}
	waitQuote(t, rig)
	time.Sleep(20 * time.Millisecond)

	sizes := rig.fetcher.callSizes()
	if len(sizes) < 2 {
		t.Fatalf("expected at least 2 fetch calls, got %v", sizes)
	}
	if sizes[0] != 10 || sizes[1] != 2 {
		t.Errorf("first tick fetch sizes = %v, want [10 2 ...]", sizes[:2])
	}
}

func TestThreeStrikesEscalates(t *testing.T) {
	rig := newRig(t, fastConfig())
	rig.fetcher.setRespond(func([]string) (map[string]model.Quote, error) {
		return nil, errors.New("gateway fell over")
	})

	escalated := make(chan string, 1)
	rig.poller.OnEscalate(func(userID, instrumentID string, err error) {
		if userID == "alice" {
			escalated <- instrumentID
		}
	})
	rig.poller.StartInstrument("alice", "265598")

	select {
	case id := <-escalated:
		if id != "265598" {
			t.Errorf("escalated %q, want 265598", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no escalation after repeated failures")
	}
	if rig.poller.InstrumentCount() != 0 {
		t.Error("escalated instrument still polled")
	}
	if got := len(rig.fetcher.callSizes()); got < 3 {
		t.Errorf("escalated after %d fetches, want >= 3", got)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	rig := newRig(t, fastConfig())

	// Alternate failure and success: the failure streak never reaches
	// three, so no escalation may fire.
	var n atomic.Int64
	ok := respondWithPrice(100)
	rig.fetcher.setRespond(func(ids []string) (map[string]model.Quote, error) {
		if n.Add(1)%2 == 1 {
			return nil, errors.New("flaky")
		}
		return ok(ids)
	})

	escalated := make(chan string, 1)
	rig.poller.OnEscalate(func(_, instrumentID string, _ error) {
		escalated <- instrumentID
	})
	rig.poller.StartInstrument("alice", "265598")

	select {
	case id := <-escalated:
		t.Fatalf("instrument %q escalated despite interleaved successes", id)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRateLimitDoublesGroupInterval(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseInterval = 30 * time.Millisecond
	rig := newRig(t, cfg)

	rig.fetcher.setRespond(func([]string) (map[string]model.Quote, error) {
		return nil, upstream.ErrRateLimited
	})
	escalated := make(chan string, 1)
	rig.poller.OnEscalate(func(_, id string, _ error) { escalated <- id })
	rig.poller.StartInstrument("alice", "265598")

	// Wait for the first (rate-limited) fetch.
	deadline := time.After(time.Second)
	for len(rig.fetcher.callSizes()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no fetch happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	first := len(rig.fetcher.callSizes())

	// Over the next ~120ms a 30ms group would tick ~4 times; the
	// doubled interval allows at most half that.
	time.Sleep(120 * time.Millisecond)
	ticks := len(rig.fetcher.callSizes()) - first
	if ticks > 3 {
		t.Errorf("rate-limited group ticked %d times in 120ms, interval not doubled", ticks)
	}

	// Rate-limit failures must not count toward escalation.
	select {
	case <-escalated:
		t.Error("rate limiting escalated to unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAuthRejectionInvalidatesSession(t *testing.T) {
	rig := newRig(t, fastConfig())
	rig.fetcher.setRespond(func([]string) (map[string]model.Quote, error) {
		return nil, upstream.ErrNotAuthenticated
	})
	rig.poller.StartInstrument("alice", "265598")

	deadline := time.After(time.Second)
	for rig.sessions.invalidateCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("session never invalidated after auth rejection")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStaleResponseDiscarded(t *testing.T) {
	rig := newRig(t, fastConfig())
	rig.poller.StartInstrument("alice", "265598")
	waitQuote(t, rig)

	// Simulate an old in-flight response by applying a quote with a
	// sequence number below the already-applied one.
	rig.poller.apply("alice", fetchItem{id: "265598", seq: 0}, model.Quote{
		InstrumentID: "265598", Price: 1, Timestamp: time.Now().Add(time.Hour).UnixMilli(),
	})
	if latest, _ := rig.store.GetLatest("265598"); latest.Price == 1 {
		t.Error("stale fetch result overwrote a newer quote")
	}
}

func TestIdealIntervalClamps(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg, &fakeSessions{}, &fakeFetcher{respond: respondWithPrice(0)},
		cache.NewStore(cache.DefaultConfig(), nil), volatility.NewTracker(), &chanSink{ch: make(chan model.Quote, 1)}, nil)

	// No volatility data: the base interval.
	if got := p.idealInterval("x"); got != 1000*time.Millisecond {
		t.Errorf("zero-volatility interval = %v, want 1s", got)
	}

	// A 5% jump gives EMA 0.005 and interval ~995ms.
	p.vol.Observe("x", 100)
	p.vol.Observe("x", 105)
	got := p.idealInterval("x")
	if got < 990*time.Millisecond || got > 1000*time.Millisecond {
		t.Errorf("post-jump interval = %v, want ~995ms", got)
	}
}

func TestGroupKeyRounding(t *testing.T) {
	p := New(DefaultConfig(), &fakeSessions{}, &fakeFetcher{respond: respondWithPrice(0)},
		cache.NewStore(cache.DefaultConfig(), nil), volatility.NewTracker(), &chanSink{ch: make(chan model.Quote, 1)}, nil)

	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{995 * time.Millisecond, 1000 * time.Millisecond},
		{1049 * time.Millisecond, 1000 * time.Millisecond},
		{1051 * time.Millisecond, 1100 * time.Millisecond},
		{120 * time.Millisecond, 200 * time.Millisecond}, // clamped to floor
		{9 * time.Second, 5000 * time.Millisecond},       // clamped to ceiling
	}
	for _, tc := range cases {
		if got := p.groupKey(tc.in); got != tc.want {
			t.Errorf("groupKey(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
