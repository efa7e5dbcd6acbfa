package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewAdapterModes(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "auto without url", cfg: Config{Mode: "auto"}, want: "*llm.MockAdapter"},
		{name: "auto with url", cfg: Config{Mode: "auto", HTTPURL: "http://brain:9000/respond"}, want: "*llm.FallbackAdapter"},
		{name: "http", cfg: Config{Mode: "http", HTTPURL: "http://brain:9000/respond"}, want: "*llm.HTTPAdapter"},
		{name: "http without url", cfg: Config{Mode: "http"}, wantErr: true},
		{name: "mock", cfg: Config{Mode: "mock"}, want: "*llm.MockAdapter"},
		{name: "unknown", cfg: Config{Mode: "telepathy"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter, err := NewAdapter(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NewAdapter(%+v) error = nil, want error", tc.cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAdapter(%+v) error = %v", tc.cfg, err)
			}
			if got := fmt.Sprintf("%T", adapter); got != tc.want {
				t.Fatalf("adapter type = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestMockAdapterStreamsWholeReply(t *testing.T) {
	adapter := NewMockAdapter()
	var streamed strings.Builder
	resp, err := adapter.StreamResponse(context.Background(), Request{InputText: "I have a headache"}, func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse error = %v", err)
	}
	if resp.Text == "" {
		t.Fatalf("response text is empty")
	}
	if streamed.String() != resp.Text {
		t.Fatalf("streamed %q != response %q", streamed.String(), resp.Text)
	}
	if !strings.Contains(resp.Text, "I have a headache") {
		t.Fatalf("response does not echo input: %q", resp.Text)
	}
}

func TestMockAdapterUsesTurnContext(t *testing.T) {
	adapter := NewMockAdapter()
	resp, err := adapter.StreamResponse(context.Background(), Request{
		InputText:   "it is worse today",
		TurnContext: []string{"patient: my knee hurts"},
	}, nil)
	if err != nil {
		t.Fatalf("StreamResponse error = %v", err)
	}
	if !strings.Contains(resp.Text, "my knee hurts") {
		t.Fatalf("response missing context: %q", resp.Text)
	}
}

func TestHTTPAdapterPlainJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"Take rest and drink fluids."}`)
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(srv.URL)
	var deltas []string
	resp, err := adapter.StreamResponse(context.Background(), Request{InputText: "fever"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse error = %v", err)
	}
	if resp.Text != "Take rest and drink fluids." {
		t.Fatalf("text = %q", resp.Text)
	}
	if len(deltas) != 1 || deltas[0] != resp.Text {
		t.Fatalf("deltas = %v, want single full delta", deltas)
	}
}

func TestHTTPAdapterSSEStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"delta\":\"Hello \"}\n\n")
		fmt.Fprint(w, "data: {\"delta\":\"there.\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(srv.URL)
	var deltas []string
	resp, err := adapter.StreamResponse(context.Background(), Request{InputText: "hi"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse error = %v", err)
	}
	if resp.Text != "Hello there." {
		t.Fatalf("text = %q, want %q", resp.Text, "Hello there.")
	}
	if len(deltas) != 2 {
		t.Fatalf("deltas = %v, want 2 fragments", deltas)
	}
}

func TestHTTPAdapterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(srv.URL)
	if _, err := adapter.StreamResponse(context.Background(), Request{InputText: "hi"}, nil); err == nil {
		t.Fatalf("error = nil, want status error")
	}
}

type failingAdapter struct{ err error }

func (a *failingAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	return Response{}, a.err
}

func TestFallbackAdapterFallsBack(t *testing.T) {
	primary := &failingAdapter{err: errors.New("brain down")}
	adapter := NewFallbackAdapter(primary, NewMockAdapter())
	resp, err := adapter.StreamResponse(context.Background(), Request{InputText: "hello"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse error = %v", err)
	}
	if resp.Text == "" {
		t.Fatalf("fallback produced empty response")
	}
}

func TestFallbackAdapterRespectsCancellation(t *testing.T) {
	primary := &failingAdapter{err: context.Canceled}
	adapter := NewFallbackAdapter(primary, NewMockAdapter())
	if _, err := adapter.StreamResponse(context.Background(), Request{InputText: "hello"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestDeltaCollectorCutsAtBoundaries(t *testing.T) {
	c := NewDeltaCollector(8)

	var chunks []string
	for _, delta := range []string{"Take ", "rest", ", drink ", "fluids", ". See a ", "doctor"} {
		chunks = append(chunks, c.Consume(delta)...)
	}
	chunks = append(chunks, c.Finalize()...)

	want := []string{"Take rest,", " drink fluids.", " See a doctor"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %q, want %q", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, chunks[i], want[i])
		}
	}
	if got := c.Emitted(); got != "Take rest, drink fluids. See a doctor" {
		t.Fatalf("Emitted() = %q", got)
	}
}

func TestDeltaCollectorHoldsShortFragments(t *testing.T) {
	c := NewDeltaCollector(8)
	if got := c.Consume("Hi."); len(got) != 0 {
		t.Fatalf("short fragment emitted early: %q", got)
	}
	got := c.Finalize()
	if len(got) != 1 || got[0] != "Hi." {
		t.Fatalf("Finalize() = %q, want [Hi.]", got)
	}
}
