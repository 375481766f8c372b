package ingest

import (
	"testing"

	"github.com/Rusteze-AP/simulation-controller/model"
)

func routed(typ model.PacketType, hopIndex int, hops ...model.NodeID) model.Packet {
	return model.Packet{Type: typ, Route: model.SourceRoute{Hops: hops, HopIndex: hopIndex}}
}

func TestClassify(t *testing.T) {
	nackDropped := routed(model.PacketNack, 2, 20, 1, 2)
	nackDropped.Nack = model.NackDropped
	nackRouting := routed(model.PacketNack, 2, 20, 1, 2)
	nackRouting.Nack = model.NackErrorInRouting
	flood := model.Packet{Type: model.PacketFloodRequest, Flood: &model.FloodRequest{
		PathTrace: []model.PathHop{{ID: 20, Kind: model.KindClient}, {ID: 1, Kind: model.KindDrone}, {ID: 3, Kind: model.KindDrone}},
	}}

	cases := []struct {
		name string
		ev   model.Event
		want Classification
	}{
		{"fragment", model.PacketSent{Packet: routed(model.PacketFragment, 1, 20, 1, 3)},
			Classification{model.CategoryFragment, 20, 1, true}},
		{"ack", model.PacketSent{Packet: routed(model.PacketAck, 2, 30, 3, 1)},
			Classification{model.CategoryAck, 3, 1, true}},
		{"nack", model.PacketSent{Packet: nackRouting},
			Classification{model.CategoryNack, 1, 2, true}},
		{"nack dropped", model.PacketSent{Packet: nackDropped},
			Classification{model.CategoryNackDropped, 1, 2, true}},
		{"dropped reverses direction", model.PacketDropped{Packet: routed(model.PacketFragment, 2, 20, 1, 2)},
			Classification{model.CategoryDropped, 2, 1, true}},
		{"flood request uses trace tail", model.PacketSent{Packet: flood},
			Classification{model.CategoryFloodRequest, 1, 3, true}},
		{"flood response", model.PacketSent{Packet: routed(model.PacketFloodResponse, 1, 3, 1, 20)},
			Classification{model.CategoryFloodResponse, 3, 1, true}},
		{"shortcut", model.ControllerShortcut{Packet: routed(model.PacketAck, 1, 30, 3, 2, 20)},
			Classification{model.CategoryShortcut, 30, 3, true}},
		{"first hop has no previous", model.PacketSent{Packet: routed(model.PacketFragment, 0, 20, 1)},
			Classification{model.CategoryFragment, 0, 20, false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.ev); got != tc.want {
				t.Fatalf("Classify = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestClassifyShortFloodTrace(t *testing.T) {
	ev := model.PacketSent{Packet: model.Packet{Type: model.PacketFloodRequest, Flood: &model.FloodRequest{
		PathTrace: []model.PathHop{{ID: 20, Kind: model.KindClient}},
	}}}
	got := Classify(ev)
	if got.Category != model.CategoryFloodRequest || got.Endpoints {
		t.Fatalf("Classify = %+v, want flood request without endpoints", got)
	}
}
