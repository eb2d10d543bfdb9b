package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seantiz/mercury/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestFlight() *model.Flight {
	return &model.Flight{
		ID:          model.NewFlightID(),
		ProviderKey: "example",
		Prompt:      "What is the capital of France?",
		State:       model.FlightLaunching,
		StartTime:   time.Now().UTC().Truncate(time.Second),
		Metadata:    model.FlightMetadata{TimeoutMS: 30000, MaxRetries: 2},
	}
}

func finish(f *model.Flight, state model.FlightState, strategy string, ms int) {
	end := f.StartTime.Add(time.Duration(ms) * time.Millisecond)
	f.History = append(f.History, model.Transition{From: f.State, To: state, At: end})
	f.State = state
	f.EndTime = &end
	f.DurationMS = &ms
	f.Strategy = strategy
}

func TestSaveAndGetFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := makeTestFlight()
	f.Metadata.Extra = map[string]string{"source": "test"}

	if err := s.SaveFlight(ctx, f); err != nil {
		t.Fatalf("SaveFlight: %v", err)
	}

	got, err := s.GetFlight(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFlight: %v", err)
	}
	if got.ID != f.ID || got.ProviderKey != f.ProviderKey || got.Prompt != f.Prompt {
		t.Errorf("got %+v, want %+v", got, f)
	}
	if got.State != model.FlightLaunching {
		t.Errorf("State = %q, want launching", got.State)
	}
	if !got.StartTime.Equal(f.StartTime) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, f.StartTime)
	}
	if got.EndTime != nil || got.DurationMS != nil {
		t.Errorf("EndTime/DurationMS = %v/%v, want nil", got.EndTime, got.DurationMS)
	}
	if got.Metadata.TimeoutMS != 30000 || got.Metadata.MaxRetries != 2 {
		t.Errorf("Metadata = %+v", got.Metadata)
	}
	if got.Metadata.Extra["source"] != "test" {
		t.Errorf("Extra = %v", got.Metadata.Extra)
	}
}

func TestGetFlightNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetFlight(context.Background(), "flt_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFlight error = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetFlight error = %v, want it to match model.ErrNotFound", err)
	}
}

func TestSaveFlightUpdatesTerminalFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := makeTestFlight()
	if err := s.SaveFlight(ctx, f); err != nil {
		t.Fatalf("SaveFlight: %v", err)
	}

	f.ContextID = "7"
	f.Result = "Paris."
	f.Metadata.RetryCount = 1
	finish(f, model.FlightCompleted, "poll", 1500)
	if err := s.SaveFlight(ctx, f); err != nil {
		t.Fatalf("SaveFlight update: %v", err)
	}

	got, err := s.GetFlight(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFlight: %v", err)
	}
	if got.State != model.FlightCompleted || got.Result != "Paris." || got.ContextID != "7" {
		t.Errorf("got %+v", got)
	}
	if got.DurationMS == nil || *got.DurationMS != 1500 {
		t.Errorf("DurationMS = %v, want 1500", got.DurationMS)
	}
	if got.EndTime == nil || !got.EndTime.Equal(*f.EndTime) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, f.EndTime)
	}
	if got.Metadata.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.Metadata.RetryCount)
	}
	if len(got.History) != 1 || got.History[0].To != model.FlightCompleted {
		t.Errorf("History = %+v", got.History)
	}
}

func TestListFlightsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		f := makeTestFlight()
		f.StartTime = base.Add(time.Duration(i) * time.Second)
		f.Prompt = fmt.Sprintf("prompt %d", i)
		if err := s.SaveFlight(ctx, f); err != nil {
			t.Fatalf("SaveFlight %d: %v", i, err)
		}
	}

	page, total, err := s.ListFlights(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListFlights: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if page[0].Prompt != "prompt 4" || page[1].Prompt != "prompt 3" {
		t.Errorf("page order = %q, %q, want newest first", page[0].Prompt, page[1].Prompt)
	}

	last, _, err := s.ListFlights(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListFlights offset: %v", err)
	}
	if len(last) != 1 || last[0].Prompt != "prompt 0" {
		t.Errorf("last page = %+v", last)
	}
}

func TestListFlightsEmpty(t *testing.T) {
	s := newTestStore(t)

	flights, total, err := s.ListFlights(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListFlights: %v", err)
	}
	if total != 0 || len(flights) != 0 {
		t.Errorf("got %d flights (total %d), want none", len(flights), total)
	}
}

func TestGetFlightStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	completed := makeTestFlight()
	finish(completed, model.FlightCompleted, "network", 1000)
	failed := makeTestFlight()
	failed.ProviderKey = "other"
	failed.ErrorKind = "DetectionTimeout"
	finish(failed, model.FlightFailed, "timeout", 3000)
	launching := makeTestFlight()

	for _, f := range []*model.Flight{completed, failed, launching} {
		if err := s.SaveFlight(ctx, f); err != nil {
			t.Fatalf("SaveFlight: %v", err)
		}
	}

	stats, err := s.GetFlightStats(ctx)
	if err != nil {
		t.Fatalf("GetFlightStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByState["completed"] != 1 || stats.CountByState["failed"] != 1 || stats.CountByState["launching"] != 1 {
		t.Errorf("CountByState = %v", stats.CountByState)
	}
	if stats.CountByProvider["example"] != 2 || stats.CountByProvider["other"] != 1 {
		t.Errorf("CountByProvider = %v", stats.CountByProvider)
	}
	if stats.CountByStrategy["network"] != 1 || stats.CountByStrategy["timeout"] != 1 {
		t.Errorf("CountByStrategy = %v", stats.CountByStrategy)
	}
	if stats.AvgDurationMS != 2000 {
		t.Errorf("AvgDurationMS = %v, want 2000", stats.AvgDurationMS)
	}
}

func TestGetFlightStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetFlightStats(context.Background())
	if err != nil {
		t.Fatalf("GetFlightStats: %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 || len(stats.CountByState) != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
}
