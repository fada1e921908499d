package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
)

// recordingSender records batch sizes and fails the batches listed in failOn (1-based).
type recordingSender struct {
	mu     sync.Mutex
	sizes  []int
	failOn map[int]bool
}

func (s *recordingSender) SendMulticast(ctx context.Context, tokens []string, n model.Notification) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, len(tokens))
	if s.failOn[len(s.sizes)] {
		return BatchResult{}, errors.New("provider unavailable")
	}
	return BatchResult{SuccessCount: len(tokens)}, nil
}

func tokens(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("token-%04d", i)
	}
	return out
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDeliverBatches(t *testing.T) {
	s := &recordingSender{}
	f, err := NewFanout(s, 450, quiet())
	if err != nil {
		t.Fatalf("NewFanout() error = %v", err)
	}

	r := f.Deliver(context.Background(), tokens(1200), model.Notification{Title: "t"})

	want := []int{450, 450, 300}
	if fmt.Sprint(s.sizes) != fmt.Sprint(want) {
		t.Errorf("batch sizes = %v, want %v", s.sizes, want)
	}
	if r.Batches != 3 || r.FailedBatches != 0 || r.Delivered != 1200 {
		t.Errorf("Deliver() = %+v", r)
	}
}

func TestDeliverFailureIsolation(t *testing.T) {
	tests := []struct {
		name          string
		failOn        map[int]bool
		wantDelivered int
	}{
		{"last batch fails", map[int]bool{3: true}, 900},
		{"first batch fails", map[int]bool{1: true}, 750},
		{"middle batch fails", map[int]bool{2: true}, 750},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSender{failOn: tt.failOn}
			f, err := NewFanout(s, 450, quiet())
			if err != nil {
				t.Fatal(err)
			}

			r := f.Deliver(context.Background(), tokens(1200), model.Notification{})

			if len(s.sizes) != 3 {
				t.Fatalf("sent %d batches, want 3", len(s.sizes))
			}
			if r.FailedBatches != 1 {
				t.Errorf("FailedBatches = %d, want 1", r.FailedBatches)
			}
			if r.Delivered != tt.wantDelivered {
				t.Errorf("Delivered = %d, want %d", r.Delivered, tt.wantDelivered)
			}
		})
	}
}

func TestDeliverSkipsEmptyTokens(t *testing.T) {
	s := &recordingSender{}
	f, _ := NewFanout(s, 0, quiet())

	r := f.Deliver(context.Background(), []string{"", "a", "", "b"}, model.Notification{})
	if r.Endpoints != 2 || len(s.sizes) != 1 || s.sizes[0] != 2 {
		t.Errorf("Deliver() = %+v, sizes %v", r, s.sizes)
	}

	s = &recordingSender{}
	f, _ = NewFanout(s, 0, quiet())
	if r := f.Deliver(context.Background(), []string{""}, model.Notification{}); r.Batches != 0 || len(s.sizes) != 0 {
		t.Errorf("Deliver() with no usable tokens sent %d batches", len(s.sizes))
	}
}

func TestNewFanoutBatchSize(t *testing.T) {
	tests := []struct {
		size    int
		want    int
		wantErr bool
	}{
		{0, DefaultBatchSize, false},
		{1, 1, false},
		{MaxBatchSize, MaxBatchSize, false},
		{MaxBatchSize + 1, 0, true},
		{-1, 0, true},
	}
	for _, tt := range tests {
		f, err := NewFanout(&recordingSender{}, tt.size)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewFanout(%d) error = %v, wantErr %v", tt.size, err, tt.wantErr)
			continue
		}
		if err == nil && f.BatchSize() != tt.want {
			t.Errorf("NewFanout(%d).BatchSize() = %d, want %d", tt.size, f.BatchSize(), tt.want)
		}
	}
}
