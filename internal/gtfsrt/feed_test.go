package gtfsrt

import (
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"shuttle-tracker/internal/model"
)

func TestVehiclePositionsRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	active := []model.ActiveShuttle{
		{
			Session: model.Session{
				ID: "s1", RouteID: "r1", ShuttleID: "b7",
				Position:  model.Coordinate{Lat: 42.93, Lng: -78.88},
				UpdatedAt: now.Add(-time.Minute),
			},
			ShuttleNumber: "7",
		},
		{Session: model.Session{ID: "s2", RouteID: "r2", ShuttleID: "b8"}},
	}

	b, err := Marshal(VehiclePositions(active, now))
	if err != nil {
		t.Fatal(err)
	}
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(b, &fm); err != nil {
		t.Fatal(err)
	}

	if fm.GetHeader().GetTimestamp() != uint64(now.Unix()) {
		t.Errorf("header timestamp = %d", fm.GetHeader().GetTimestamp())
	}
	if fm.GetHeader().GetIncrementality() != gtfsrtpb.FeedHeader_FULL_DATASET {
		t.Errorf("incrementality = %v", fm.GetHeader().GetIncrementality())
	}
	if len(fm.GetEntity()) != 2 {
		t.Fatalf("entities = %d", len(fm.GetEntity()))
	}
	e := fm.GetEntity()[0]
	v := e.GetVehicle()
	if e.GetId() != "s1" || v.GetTrip().GetRouteId() != "r1" || v.GetVehicle().GetId() != "b7" || v.GetVehicle().GetLabel() != "7" {
		t.Errorf("entity = %v", e)
	}
	if v.GetTimestamp() != uint64(now.Add(-time.Minute).Unix()) {
		t.Errorf("vehicle timestamp = %d", v.GetTimestamp())
	}
	if d := v.GetPosition().GetLatitude() - 42.93; d > 1e-4 || d < -1e-4 {
		t.Errorf("latitude = %v", v.GetPosition().GetLatitude())
	}
	if fm.GetEntity()[1].GetVehicle().Timestamp != nil {
		t.Error("timestamp set for a session without one")
	}
}

func TestMarshalJSON(t *testing.T) {
	b, err := MarshalJSON(VehiclePositions(nil, time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatal("empty JSON")
	}
}
