package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"shuttle-tracker/internal/geo"
	"shuttle-tracker/internal/location"
	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/store"
)

func TestProviderOutAndBack(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	r := model.Route{Pickup: model.Coordinate{Lat: 43, Lng: -79}, DropOff: model.Coordinate{Lat: 43.01, Lng: -79}}
	p := NewProvider(r, 10, func() time.Time { return start })
	length := geo.Distance(r.Pickup, r.DropOff)
	leg := time.Duration(length / 10 * float64(time.Second))

	s := p.At(start)
	if geo.Distance(s.Position, r.Pickup) > 0.5 {
		t.Errorf("start = %+v, want pickup", s.Position)
	}
	s = p.At(start.Add(leg / 2))
	if d := geo.Distance(s.Position, r.Pickup); math.Abs(d-length/2) > 1 {
		t.Errorf("halfway distance = %.1f, want %.1f", d, length/2)
	}
	if s.Bearing > 1 && s.Bearing < 359 {
		t.Errorf("outbound bearing = %.1f, want north", s.Bearing)
	}
	s = p.At(start.Add(leg + leg/2))
	if math.Abs(s.Bearing-180) > 1 {
		t.Errorf("return bearing = %.1f, want south", s.Bearing)
	}
	s = p.At(start.Add(2 * leg))
	if geo.Distance(s.Position, r.Pickup) > 1 {
		t.Errorf("after a round trip = %+v, want pickup", s.Position)
	}
}

func TestProviderFallsBackToDefaultRegion(t *testing.T) {
	p := NewProvider(model.Route{}, 0, nil)
	s, err := p.CurrentPosition(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if geo.Distance(s.Position, model.DefaultRegion) > 2000 {
		t.Errorf("position %+v is far from the default region", s.Position)
	}
	if s.SpeedMps != DefaultSpeedMps {
		t.Errorf("speed = %v", s.SpeedMps)
	}
}

func TestInService(t *testing.T) {
	r := model.Route{RunsFrom: "07:00", RunsUntil: "09:00", Available: true}
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		at   time.Duration
		want bool
	}{
		{6*time.Hour + 59*time.Minute, false},
		{7 * time.Hour, true},
		{8 * time.Hour, true},
		{9 * time.Hour, true},
		{9*time.Hour + time.Minute, false},
	}
	for _, c := range cases {
		if got := InService(r, day.Add(c.at), false); got != c.want {
			t.Errorf("InService at %v = %v, want %v", c.at, got, c.want)
		}
	}
	r.Available = false
	if InService(r, day.Add(8*time.Hour), false) {
		t.Error("unavailable route in service")
	}
	if InService(model.Route{RunsFrom: "bad", RunsUntil: "09:00", Available: true}, day.Add(8*time.Hour), false) {
		t.Error("malformed route in service")
	}
}

func TestInServiceAcrossMidnight(t *testing.T) {
	r := model.Route{RunsFrom: "22:00", RunsUntil: "01:00", Available: true}
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		at   time.Duration
		wrap bool
		want bool
	}{
		{23 * time.Hour, true, true},
		{22 * time.Hour, true, true},
		{30 * time.Minute, true, true},
		{time.Hour, true, true},
		{time.Hour + time.Minute, true, false},
		{12 * time.Hour, true, false},
		{21*time.Hour + 59*time.Minute, true, false},
		{23 * time.Hour, false, false},
		{30 * time.Minute, false, false},
	}
	for _, c := range cases {
		if got := InService(r, day.Add(c.at), c.wrap); got != c.want {
			t.Errorf("InService at %v wrap=%v = %v, want %v", c.at, c.wrap, got, c.want)
		}
	}
}

func TestFleetFollowsServiceWindow(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	morning, _ := m.CreateRoute(ctx, model.Route{Name: "Morning", RunsFrom: "07:00", RunsUntil: "09:00", IntervalMinutes: 30, Available: true})
	evening, _ := m.CreateRoute(ctx, model.Route{Name: "Evening", RunsFrom: "17:00", RunsUntil: "19:00", IntervalMinutes: 30, Available: true})
	if _, err := m.CreateShuttle(ctx, model.Shuttle{Number: "1"}); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	f := NewFleet(m, FleetConfig{
		Watch:    location.WatchOptions{Interval: time.Hour},
		Location: time.UTC,
		Now:      func() time.Time { return now },
	})
	defer f.Stop(ctx)

	if err := f.RefreshActive(ctx); err != nil {
		t.Fatal(err)
	}
	running := f.Running()
	if _, ok := running[morning.ID]; !ok || len(running) != 1 {
		t.Fatalf("running at 08:00 = %v", running)
	}
	active, _ := m.ActiveSessions(ctx, morning.ID)
	if len(active) != 1 {
		t.Fatalf("active sessions = %d", len(active))
	}

	now = time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	if err := f.RefreshActive(ctx); err != nil {
		t.Fatal(err)
	}
	running = f.Running()
	if _, ok := running[evening.ID]; !ok || len(running) != 1 {
		t.Fatalf("running at 18:00 = %v", running)
	}
	if active, _ := m.ActiveSessions(ctx, morning.ID); len(active) != 0 {
		t.Fatalf("morning session left behind: %+v", active)
	}
}
