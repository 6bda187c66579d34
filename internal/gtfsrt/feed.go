// Package gtfsrt renders active shuttles as a GTFS-Realtime VehiclePositions
// feed so standard transit apps can show them.
package gtfsrt

import (
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"shuttle-tracker/internal/model"
)

const Version = "2.0"

// VehiclePositions builds a full-dataset feed with one entity per session.
func VehiclePositions(active []model.ActiveShuttle, now time.Time) *gtfsrtpb.FeedMessage {
	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String(Version),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, a := range active {
		vp := &gtfsrtpb.VehiclePosition{
			Trip: &gtfsrtpb.TripDescriptor{
				RouteId: proto.String(a.RouteID),
			},
			Vehicle: &gtfsrtpb.VehicleDescriptor{
				Id: proto.String(a.ShuttleID),
			},
			Position: &gtfsrtpb.Position{
				Latitude:  proto.Float32(float32(a.Position.Lat)),
				Longitude: proto.Float32(float32(a.Position.Lng)),
			},
		}
		if a.ShuttleNumber != "" {
			vp.Vehicle.Label = proto.String(a.ShuttleNumber)
		}
		if !a.UpdatedAt.IsZero() {
			vp.Timestamp = proto.Uint64(uint64(a.UpdatedAt.Unix()))
		}
		fm.Entity = append(fm.Entity, &gtfsrtpb.FeedEntity{
			Id:      proto.String(a.ID),
			Vehicle: vp,
		})
	}
	return fm
}

func Marshal(fm *gtfsrtpb.FeedMessage) ([]byte, error) {
	return proto.Marshal(fm)
}

// MarshalJSON renders the feed for humans debugging it.
func MarshalJSON(fm *gtfsrtpb.FeedMessage) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(fm)
}
