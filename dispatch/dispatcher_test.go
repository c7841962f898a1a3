package dispatch

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/keytrack/keytrack/session"
	"github.com/keytrack/keytrack/tracking"
	"github.com/keytrack/keytrack/types"
)

// recordChannel is a synchronous push.Channel for tests.
type recordChannel struct {
	mu   sync.Mutex
	got  []types.Invalidation
	fail error
}

func (c *recordChannel) Push(inv types.Invalidation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.got = append(c.got, inv)
	return nil
}

func (c *recordChannel) Close() error { return nil }

func (c *recordChannel) all() []types.Invalidation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Invalidation, len(c.got))
	copy(out, c.got)
	return out
}

type fixture struct {
	table    *tracking.Table
	prefixes *tracking.PrefixRegistry
	sessions *session.Registry
	d        *Dispatcher
}

func newFixture(maxKeys int) *fixture {
	f := &fixture{
		prefixes: tracking.NewPrefixRegistry(),
		sessions: session.NewRegistry(),
	}
	f.d = New(nil, f.prefixes, f.sessions, zerolog.Nop())
	f.table = tracking.NewTableShards(maxKeys, 1, f.d.OnTableEvict)
	// Table and dispatcher reference each other through the evict hook.
	f.d.table = f.table
	return f
}

func (f *fixture) addSession(t *testing.T, opts session.Options) (*session.Session, *recordChannel) {
	t.Helper()
	ch := &recordChannel{}
	s := f.sessions.Register(ch)
	if err := s.EnableTracking(opts); err != nil {
		t.Fatalf("Failed to enable tracking: %v", err)
	}
	return s, ch
}

func TestOnWriteNotifiesReader(t *testing.T) {
	f := newFixture(0)

	reader, readerCh := f.addSession(t, session.Options{})
	writer, writerCh := f.addSession(t, session.Options{})

	// Reader reads user:1 while tracked, writer then overwrites it.
	f.table.RecordRead(reader.ID(), "user:1")
	f.d.OnWrite(writer.ID(), "user:1")

	got := readerCh.all()
	if len(got) != 1 {
		t.Fatalf("Expected exactly one invalidation, got %d", len(got))
	}
	if got[0].Kind != types.KindKeys || len(got[0].Keys) != 1 || got[0].Keys[0] != "user:1" {
		t.Fatalf("Expected KEYS [user:1], got %+v", got[0])
	}

	if len(writerCh.all()) != 0 {
		t.Fatal("Writer without recorded interest should receive nothing")
	}

	// Single-shot: a second write on the same key notifies no one.
	f.d.OnWrite(writer.ID(), "user:1")
	if len(readerCh.all()) != 1 {
		t.Fatal("Second write should not produce a second invalidation without a re-read")
	}
}

func TestOnWriteNoLoopSuppressesSelf(t *testing.T) {
	f := newFixture(0)

	s, ch := f.addSession(t, session.Options{NoLoop: true})

	f.table.RecordRead(s.ID(), "user:1")
	f.d.OnWrite(s.ID(), "user:1")

	if len(ch.all()) != 0 {
		t.Fatal("NOLOOP session must never see its own write echoed")
	}

	// The interest was still consumed; another session's write later finds
	// nothing, exactly as if the invalidation had been delivered.
	other, _ := f.addSession(t, session.Options{})
	f.d.OnWrite(other.ID(), "user:1")
	if len(ch.all()) != 0 {
		t.Fatal("Consumed interest should not resurrect")
	}
}

func TestOnWriteWithoutNoLoopEchoesSelf(t *testing.T) {
	f := newFixture(0)

	s, ch := f.addSession(t, session.Options{})

	f.table.RecordRead(s.ID(), "user:1")
	f.d.OnWrite(s.ID(), "user:1")

	if len(ch.all()) != 1 {
		t.Fatal("Without NOLOOP a session is told about its own writes")
	}
}

func TestOnWriteBroadcastPrefixes(t *testing.T) {
	f := newFixture(0)

	a, aCh := f.addSession(t, session.Options{Broadcast: true})
	b, bCh := f.addSession(t, session.Options{Broadcast: true})
	f.prefixes.Subscribe(a.ID(), "u:")
	f.prefixes.Subscribe(b.ID(), "o:")

	writer, _ := f.addSession(t, session.Options{})

	f.d.OnWrite(writer.ID(), "u:99")
	if len(aCh.all()) != 1 || len(bCh.all()) != 0 {
		t.Fatalf("Write to u:99 should notify only A (A=%d B=%d)", len(aCh.all()), len(bCh.all()))
	}

	f.d.OnWrite(writer.ID(), "o:99")
	if len(aCh.all()) != 1 || len(bCh.all()) != 1 {
		t.Fatalf("Write to o:99 should notify only B (A=%d B=%d)", len(aCh.all()), len(bCh.all()))
	}

	f.d.OnWrite(writer.ID(), "x:1")
	if len(aCh.all()) != 1 || len(bCh.all()) != 1 {
		t.Fatal("Write to x:1 should notify no one")
	}

	// Broadcast subscriptions are not single-shot.
	f.d.OnWrite(writer.ID(), "u:100")
	if len(aCh.all()) != 2 {
		t.Fatal("Broadcast subscription should keep matching")
	}
}

func TestOnWriteBatchesKeysPerChannel(t *testing.T) {
	f := newFixture(0)

	s, ch := f.addSession(t, session.Options{})
	f.table.RecordRead(s.ID(), "a")
	f.table.RecordRead(s.ID(), "b")

	writer, _ := f.addSession(t, session.Options{})
	f.d.OnWrite(writer.ID(), "a", "b")

	got := ch.all()
	if len(got) != 1 {
		t.Fatalf("Expected one batched message, got %d", len(got))
	}
	if len(got[0].Keys) != 2 {
		t.Fatalf("Expected both keys in one message, got %v", got[0].Keys)
	}
}

func TestOnWriteRedirectedDelivery(t *testing.T) {
	f := newFixture(0)

	// pushSess models the side connection that only carries invalidations.
	pushCh := &recordChannel{}
	pushSess := f.sessions.Register(pushCh)

	dataCh := &recordChannel{}
	dataSess := f.sessions.Register(dataCh)
	if err := dataSess.EnableTracking(session.Options{Redirect: pushSess.ID()}); err != nil {
		t.Fatalf("Failed to enable tracking: %v", err)
	}

	f.table.RecordRead(dataSess.ID(), "user:1")

	writer, _ := f.addSession(t, session.Options{})
	f.d.OnWrite(writer.ID(), "user:1")

	if len(dataCh.all()) != 0 {
		t.Fatal("Redirected session should get nothing inline")
	}
	if len(pushCh.all()) != 1 {
		t.Fatalf("Redirect target should get the invalidation, got %d", len(pushCh.all()))
	}
}

func TestOnTableEvictFlushesInterestedSessions(t *testing.T) {
	f := newFixture(2)

	a, aCh := f.addSession(t, session.Options{})
	b, bCh := f.addSession(t, session.Options{})

	f.table.RecordRead(a.ID(), "k1")
	f.table.RecordRead(b.ID(), "k2")
	// Third distinct key overflows the table and evicts k1.
	f.table.RecordRead(b.ID(), "k3")

	got := aCh.all()
	if len(got) != 1 || got[0].Kind != types.KindFlush {
		t.Fatalf("Evicted key's sessions should get a FLUSH, got %+v", got)
	}
	if len(bCh.all()) != 0 {
		t.Fatal("Sessions without interest in the evicted key should get nothing")
	}

	stats := f.d.Snapshot()
	if stats.TrackingEvictions != 1 {
		t.Fatalf("Expected 1 tracking eviction, got %d", stats.TrackingEvictions)
	}
}

func TestOnFlushNotifiesOnlyTrackedSessions(t *testing.T) {
	f := newFixture(0)

	_, trackedCh := f.addSession(t, session.Options{})
	_, bcastCh := f.addSession(t, session.Options{Broadcast: true})

	untrackedCh := &recordChannel{}
	f.sessions.Register(untrackedCh)

	f.d.OnFlush()

	if len(trackedCh.all()) != 1 || trackedCh.all()[0].Kind != types.KindFlush {
		t.Fatal("Default-mode session should receive FLUSH")
	}
	if len(bcastCh.all()) != 1 {
		t.Fatal("Broadcast session should receive FLUSH")
	}
	if len(untrackedCh.all()) != 0 {
		t.Fatal("Untracked session should receive nothing")
	}
}

func TestOnWriteDeliveryFailureCounted(t *testing.T) {
	f := newFixture(0)

	s, ch := f.addSession(t, session.Options{})
	ch.fail = errFake

	f.table.RecordRead(s.ID(), "user:1")
	writer, _ := f.addSession(t, session.Options{})
	f.d.OnWrite(writer.ID(), "user:1")

	if f.d.Snapshot().DeliveryFailures != 1 {
		t.Fatal("Failed delivery should be counted, never silently ignored")
	}
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake delivery error" }
