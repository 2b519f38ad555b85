package kafkaconsumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/cartodb-layer/internal/invalidation"
	mylog "github.com/mohammed-shakir/cartodb-layer/internal/logger"
)

type fakeForgetter struct {
	failFirst atomic.Bool
	mu        sync.Mutex
	forgot    []string
}

func (f *fakeForgetter) Forget(_ context.Context, account, table string) error {
	if f.failFirst.Load() {
		f.failFirst.Store(false)
		return errors.New("boom")
	}
	f.mu.Lock()
	f.forgot = append(f.forgot, account+"/"+table)
	f.mu.Unlock()
	return nil
}

func (f *fakeForgetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forgot)
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "table-changes" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(table string, seq uint64) []byte {
	ev := invalidation.Event{
		Version: 1, Op: "update", Account: "acct", Table: table, Seq: seq, TS: time.Now().UTC(),
	}
	b, _ := json.Marshal(ev)
	return b
}

func newConsumerForTest(f Forgetter) *Consumer {
	cfg := DefaultConfig([]string{"x"}, "table-changes", "g")
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, f)
}

func TestSinglePartition_OrderAndCommitAfterWork(t *testing.T) {
	ff := &fakeForgetter{}
	c := newConsumerForTest(ff)

	g := c.handler()
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "table-changes", Offset: 10, Value: eventBytes("rivers", 0)}
	ch <- &sarama.ConsumerMessage{Topic: "table-changes", Offset: 11, Value: eventBytes("lakes", 0)}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	if ff.forgot[0] != "acct/rivers" || ff.forgot[1] != "acct/lakes" {
		t.Fatalf("forgot=%v", ff.forgot)
	}
}

func TestRetry_CommitOnceAfterSuccess(t *testing.T) {
	ff := &fakeForgetter{}
	ff.failFirst.Store(true)
	c := newConsumerForTest(ff)
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "table-changes", Offset: 5, Value: eventBytes("rivers", 3)}
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatalf("expected error on first attempt")
	}

	s := &sess{ctx: ctx}
	g := c.handler()
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset was not marked after success; marked=%v", s.marked)
	}
	if ff.count() != 1 {
		t.Fatalf("retry must apply the event, forgot=%v", ff.forgot)
	}
}

func TestFailure_StopsClaimWithoutMarking(t *testing.T) {
	ff := &fakeForgetter{}
	ff.failFirst.Store(true)
	c := newConsumerForTest(ff)
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- &sarama.ConsumerMessage{Offset: 1, Value: eventBytes("rivers", 0)}
	close(ch)

	if err := c.handler().ConsumeClaim(s, &claim{msgs: ch}); err == nil {
		t.Fatalf("expected claim error")
	}
	if len(s.marked) != 0 {
		t.Fatalf("failed message must not be marked: %v", s.marked)
	}
}

func TestDedupe_SkipsStaleSeq(t *testing.T) {
	ff := &fakeForgetter{}
	c := newConsumerForTest(ff)
	ctx := context.Background()

	for _, seq := range []uint64{2, 1, 2, 3} {
		msg := &sarama.ConsumerMessage{Value: eventBytes("rivers", seq)}
		if err := c.ProcessOne(ctx, msg); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
	}
	if n := ff.count(); n != 2 {
		t.Fatalf("applied=%d want 2 (seq 2 and 3)", n)
	}
}

func TestMalformedMessages_SkippedAndLogged(t *testing.T) {
	var buf bytes.Buffer
	zl := mylog.Build(mylog.Config{Level: "info"}, &buf)
	ff := &fakeForgetter{}
	c := New(DefaultConfig(nil, "", ""), slog.New(slog.NewTextHandler(io.Discard, nil)), &zl, ff)

	for _, v := range [][]byte{[]byte("{"), []byte(`{"version":1,"op":"merge"}`)} {
		if err := c.ProcessOne(context.Background(), &sarama.ConsumerMessage{Topic: "t", Value: v}); err != nil {
			t.Fatalf("malformed message must not fail the claim: %v", err)
		}
	}
	if ff.count() != 0 {
		t.Fatalf("nothing should be forgotten")
	}
	out := buf.String()
	if !strings.Contains(out, `"kind":"decode"`) || !strings.Contains(out, `"kind":"invalid"`) {
		t.Fatalf("expected decode and invalid errors logged:\n%s", out)
	}
}

func TestMultiPartition_Parallel(t *testing.T) {
	ff := &fakeForgetter{}
	c := newConsumerForTest(ff)
	g := c.handler()
	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: eventBytes("a", 0)}
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 2, Value: eventBytes("b", 0)}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 1, Value: eventBytes("c", 0)}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 2, Value: eventBytes("d", 0)}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 || ff.count() != 4 {
		t.Fatalf("marked=%v forgot=%v", s.marked, ff.forgot)
	}
}

func TestStart_RequiresTarget(t *testing.T) {
	c := New(DefaultConfig(nil, "", ""), nil, nil, nil)
	if err := c.Start(t.Context()); err == nil {
		t.Fatalf("expected error without target")
	}
}

func TestHandler_LogsAssignmentAndAppliedCount(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig([]string{"x"}, "table-changes", "g")
	c := New(cfg, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), nil, &fakeForgetter{})
	g := c.handler()
	s := &sess{ctx: t.Context()}

	if err := g.Setup(s); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- &sarama.ConsumerMessage{Topic: "table-changes", Partition: 3, Offset: 1, Value: eventBytes("rivers", 0)}
	close(ch)
	if err := g.ConsumeClaim(s, &claim{msgs: ch, part: 3}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if err := g.Cleanup(s); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"extent invalidation partitions assigned",
		"partition=3 applied=1",
		"extent invalidation partitions released",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
}
