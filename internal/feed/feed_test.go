package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/metrics"
	"github.com/campusx/exchange/internal/model"
)

func sampleTrade() model.Trade {
	return model.Trade{
		ID:          "t-1",
		BuyOrderID:  "b-1",
		SellOrderID: model.IPOOrderID,
		BuyerID:     "alice",
		SellerID:    model.SystemAccountID,
		Price:       decimal.RequireFromString("20"),
		Quantity:    5,
		IsIPO:       true,
		ExecutedAt:  time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
	}
}

func TestHub_BroadcastsTrades(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Publish(ctx, sampleTrade()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev TradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "trade" || ev.Trade.ID != "t-1" || ev.Trade.Quantity != 5 || !ev.Trade.Price.Equal(decimal.RequireFromString("20")) {
		t.Errorf("event = %+v", ev)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_PublishWithoutClients(t *testing.T) {
	hub := NewHub(nil)
	for i := 0; i < 300; i++ {
		if err := hub.Publish(context.Background(), sampleTrade()); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_KeysByTradeID(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	if err := p.Publish(context.Background(), sampleTrade()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "t-1" {
		t.Errorf("key = %q, want t-1", msg.Key)
	}
	var ev TradeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Trade.BuyerID != "alice" || !ev.Trade.IsIPO {
		t.Errorf("event = %+v", ev)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close: err=%v closed=%v", err, w.closed)
	}
}

type recordingPublisher struct {
	got []model.Trade
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, t model.Trade) error {
	r.got = append(r.got, t)
	return r.err
}

func TestMulti_IsolatesFailingSinks(t *testing.T) {
	broken := &recordingPublisher{err: errors.New("broker down")}
	healthy := &recordingPublisher{}
	m := NewMulti(nil)
	m.Add("kafka", broken)
	m.Add("websocket", healthy)

	before := testutil.ToFloat64(metrics.FeedPublishErrors.WithLabelValues("kafka"))
	err := m.Publish(context.Background(), sampleTrade())
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if len(healthy.got) != 1 {
		t.Errorf("healthy sink received %d trades, want 1", len(healthy.got))
	}
	if got := testutil.ToFloat64(metrics.FeedPublishErrors.WithLabelValues("kafka")) - before; got != 1 {
		t.Errorf("kafka publish errors = %v, want 1", got)
	}
}

// gatedPublisher blocks every Publish until release is closed or ctx ends.
type gatedPublisher struct {
	release   chan struct{}
	delivered chan model.Trade
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{release: make(chan struct{}), delivered: make(chan model.Trade, 16)}
}

func (g *gatedPublisher) Publish(ctx context.Context, t model.Trade) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.delivered <- t
	return nil
}

func TestQueue_PublishDoesNotWaitForSink(t *testing.T) {
	sink := newGatedPublisher()
	q := NewQueue(sink, 4, time.Second, nil)
	go q.Run(context.Background())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := q.Publish(context.Background(), sampleTrade()); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Publish blocked on the sink for %s", elapsed)
	}

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.delivered) != 3 {
		t.Errorf("delivered %d trades, want 3", len(sink.delivered))
	}
	if err := q.Publish(context.Background(), sampleTrade()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Publish after Close: got %v, want ErrQueueClosed", err)
	}
}

func TestQueue_FullDropsAndCounts(t *testing.T) {
	sink := newGatedPublisher()
	// Not running: nothing drains the buffer.
	q := NewQueue(sink, 1, time.Second, nil)

	before := testutil.ToFloat64(metrics.FeedPublishErrors.WithLabelValues("queue"))
	if err := q.Publish(context.Background(), sampleTrade()); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	if err := q.Publish(context.Background(), sampleTrade()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Publish: got %v, want ErrQueueFull", err)
	}
	if got := testutil.ToFloat64(metrics.FeedPublishErrors.WithLabelValues("queue")) - before; got != 1 {
		t.Errorf("queue drops = %v, want 1", got)
	}
}

func TestQueue_DeliveryTimeout(t *testing.T) {
	sink := newGatedPublisher() // never released
	q := NewQueue(sink, 2, 20*time.Millisecond, nil)
	go q.Run(context.Background())

	q.Publish(context.Background(), sampleTrade())
	q.Publish(context.Background(), sampleTrade())

	// Both deliveries give up after their timeout, so Close returns well
	// before a stuck sink would release them.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.delivered) != 0 {
		t.Errorf("delivered %d trades through a stuck sink", len(sink.delivered))
	}
}

func TestQueue_CloseDeadline(t *testing.T) {
	sink := newGatedPublisher()
	defer close(sink.release)
	q := NewQueue(sink, 2, time.Minute, nil)
	go q.Run(context.Background())
	q.Publish(context.Background(), sampleTrade())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close: got %v, want deadline exceeded", err)
	}
}
