// Package ingest drains the engine event stream, classifies and
// rate-limits it, and forwards display events to the observer.
package ingest

import "github.com/Rusteze-AP/simulation-controller/model"

// Classification is the display projection of one engine event before
// endpoint resolution.
type Classification struct {
	Category model.Category
	From     model.NodeID
	To       model.NodeID
	// Endpoints is false when the packet does not name both ends, e.g. a
	// flood request whose path trace holds fewer than two hops or a route
	// whose hop index points at its first entry.
	Endpoints bool
}

// Classify maps an event to its category and display endpoints.
//
// Sent and shortcut packets are shown travelling from the previous hop to
// the current one. A dropped packet is shown from the dropping node back
// towards the hop it came from. Flood requests use the last two entries of
// their path trace.
func Classify(ev model.Event) Classification {
	switch e := ev.(type) {
	case model.PacketDropped:
		c := Classification{Category: model.CategoryDropped}
		cur, okCur := e.Packet.Route.Current()
		prev, okPrev := e.Packet.Route.Previous()
		c.From, c.To, c.Endpoints = cur, prev, okCur && okPrev
		return c
	case model.ControllerShortcut:
		return forward(model.CategoryShortcut, e.Packet)
	case model.PacketSent:
		return classifySent(e.Packet)
	default:
		return Classification{Category: model.CategoryUnknown}
	}
}

func classifySent(p model.Packet) Classification {
	switch p.Type {
	case model.PacketFragment:
		return forward(model.CategoryFragment, p)
	case model.PacketAck:
		return forward(model.CategoryAck, p)
	case model.PacketNack:
		if p.Nack == model.NackDropped {
			return forward(model.CategoryNackDropped, p)
		}
		return forward(model.CategoryNack, p)
	case model.PacketFloodRequest:
		c := Classification{Category: model.CategoryFloodRequest}
		if p.Flood == nil || len(p.Flood.PathTrace) < 2 {
			return c
		}
		trace := p.Flood.PathTrace
		c.From, c.To, c.Endpoints = trace[len(trace)-2].ID, trace[len(trace)-1].ID, true
		return c
	case model.PacketFloodResponse:
		return forward(model.CategoryFloodResponse, p)
	default:
		return Classification{Category: model.CategoryUnknown}
	}
}

func forward(cat model.Category, p model.Packet) Classification {
	prev, okPrev := p.Route.Previous()
	cur, okCur := p.Route.Current()
	return Classification{Category: cat, From: prev, To: cur, Endpoints: okPrev && okCur}
}
