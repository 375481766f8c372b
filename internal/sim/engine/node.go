package engine

import (
	"context"
	"math/rand/v2"
	"sort"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/model"
)

type floodKey struct {
	initiator model.NodeID
	id        uint64
}

// node is owned by its goroutine; nothing outside run touches its maps.
type node struct {
	id       model.NodeID
	kind     model.NodeKind
	dropRate float64

	cmds  chan model.Command
	pkts  chan model.Packet
	done  chan struct{}
	ticks chan struct{}

	senders map[model.NodeID]model.PacketChannel
	// routes holds, for clients, a discovered hop list to each server.
	routes  map[model.NodeID][]model.NodeID
	seen    map[floodKey]struct{}
	floodID uint64
	session uint64
	tickN   int

	rng    *rand.Rand
	events chan<- model.Event
	log    logging.Logger
}

func (n *node) inbox() model.PacketChannel {
	return model.PacketChannel{C: n.pkts, Done: n.done}
}

func (n *node) run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-n.cmds:
			if !n.command(ctx, cmd) {
				n.log.Info(ctx, "node crashed")
				return
			}
		case pkt := <-n.pkts:
			n.packet(ctx, pkt)
		case <-n.ticks:
			n.traffic(ctx)
		}
	}
}

// command applies cmd and reports whether the node keeps running.
func (n *node) command(ctx context.Context, cmd model.Command) bool {
	n.log.Debug(ctx, "command received", logging.String("command", cmd.String()))
	switch c := cmd.(type) {
	case model.Crash:
		return false
	case model.AddSender:
		if c.Channel.Valid() {
			n.senders[c.Peer] = c.Channel
		}
	case model.RemoveSender:
		delete(n.senders, c.Peer)
		for dst, route := range n.routes {
			if routeUses(route, n.id, c.Peer) {
				delete(n.routes, dst)
			}
		}
	case model.SetDropRate:
		n.dropRate = c.Rate
	}
	return true
}

func (n *node) packet(ctx context.Context, pkt model.Packet) {
	if pkt.Type == model.PacketFloodRequest {
		n.floodRequest(ctx, pkt)
		return
	}

	cur, ok := pkt.Route.Current()
	if !ok || cur != n.id {
		if pkt.Type == model.PacketFragment {
			n.nack(ctx, pkt, model.NackUnexpectedRecipient)
		}
		return
	}
	if dst, _ := pkt.Route.Destination(); dst == n.id {
		n.deliver(ctx, pkt)
		return
	}
	if n.kind != model.KindDrone {
		// Clients and servers never relay.
		if pkt.Type == model.PacketFragment {
			n.nack(ctx, pkt, model.NackErrorInRouting)
		}
		return
	}

	if pkt.Type == model.PacketFragment && n.rng.Float64() < n.dropRate {
		n.emit(ctx, model.PacketDropped{Packet: pkt})
		n.nack(ctx, pkt, model.NackDropped)
		return
	}
	if n.forward(ctx, pkt) {
		return
	}
	if pkt.Type == model.PacketFragment {
		n.nack(ctx, pkt, model.NackErrorInRouting)
		return
	}
	// Acks, nacks and flood responses must not be lost; the controller
	// delivers them directly.
	n.emit(ctx, model.ControllerShortcut{Packet: pkt})
}

// deliver handles a routed packet addressed to this node.
func (n *node) deliver(ctx context.Context, pkt model.Packet) {
	switch n.kind {
	case model.KindDrone:
		if pkt.Type == model.PacketFragment {
			n.nack(ctx, pkt, model.NackDestinationIsDrone)
		}
	case model.KindServer:
		if pkt.Type == model.PacketFragment {
			ack := model.Packet{
				Type:          model.PacketAck,
				SessionID:     pkt.SessionID,
				FragmentIndex: pkt.FragmentIndex,
				Route:         pkt.Route.Reversed(),
			}
			n.forward(ctx, ack)
		}
	case model.KindClient:
		switch pkt.Type {
		case model.PacketFloodResponse:
			n.learn(pkt.Trace)
		case model.PacketNack:
			// Routes are cheap to rediscover; forget them all.
			if pkt.Nack == model.NackErrorInRouting || pkt.Nack == model.NackDestinationIsDrone {
				n.routes = make(map[model.NodeID][]model.NodeID)
			}
		}
	}
}

// forward advances pkt one hop. It reports false when the next hop has no
// sender or its inbox is unavailable.
func (n *node) forward(ctx context.Context, pkt model.Packet) bool {
	pkt.Route.HopIndex++
	next, ok := pkt.Route.Current()
	if !ok {
		return false
	}
	ch, ok := n.senders[next]
	if !ok || !send(ch, pkt) {
		return false
	}
	n.emit(ctx, model.PacketSent{Packet: pkt})
	return true
}

// nack reports pkt back to its source along the reversed route.
func (n *node) nack(ctx context.Context, pkt model.Packet, reason model.NackReason) {
	back := model.Packet{
		Type:          model.PacketNack,
		SessionID:     pkt.SessionID,
		FragmentIndex: pkt.FragmentIndex,
		Nack:          reason,
		Route:         pkt.Route.Reversed(),
	}
	if len(back.Route.Hops) < 2 {
		return
	}
	if !n.forward(ctx, back) {
		n.emit(ctx, model.ControllerShortcut{Packet: back})
	}
}

func (n *node) floodRequest(ctx context.Context, pkt model.Packet) {
	if pkt.Flood == nil {
		return
	}
	flood := *pkt.Flood
	var prev model.NodeID
	hasPrev := len(flood.PathTrace) > 0
	if hasPrev {
		prev = flood.PathTrace[len(flood.PathTrace)-1].ID
	}
	flood.PathTrace = append(append([]model.PathHop(nil), flood.PathTrace...), model.PathHop{ID: n.id, Kind: n.kind})

	key := floodKey{initiator: flood.Initiator, id: flood.FloodID}
	_, seen := n.seen[key]
	n.seen[key] = struct{}{}

	var targets []model.NodeID
	if n.kind == model.KindDrone && !seen {
		for peer := range n.senders {
			if !hasPrev || peer != prev {
				targets = append(targets, peer)
			}
		}
	}
	if len(targets) == 0 {
		n.floodResponse(ctx, pkt.SessionID, flood)
		return
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for _, peer := range targets {
		out := model.Packet{
			Type:      model.PacketFloodRequest,
			SessionID: pkt.SessionID,
			Flood: &model.FloodRequest{
				FloodID:   flood.FloodID,
				Initiator: flood.Initiator,
				PathTrace: append([]model.PathHop(nil), flood.PathTrace...),
			},
		}
		if send(n.senders[peer], out) {
			n.emit(ctx, model.PacketSent{Packet: out})
		}
	}
}

func (n *node) floodResponse(ctx context.Context, session uint64, flood model.FloodRequest) {
	hops := make([]model.NodeID, 0, len(flood.PathTrace))
	for i := len(flood.PathTrace) - 1; i >= 0; i-- {
		hops = append(hops, flood.PathTrace[i].ID)
	}
	if len(hops) < 2 {
		return
	}
	resp := model.Packet{
		Type:      model.PacketFloodResponse,
		SessionID: session,
		Route:     model.SourceRoute{Hops: hops},
		Trace:     flood.PathTrace,
	}
	if !n.forward(ctx, resp) {
		n.emit(ctx, model.ControllerShortcut{Packet: resp})
	}
}

// learn records the shortest known route to the server at the end of trace.
func (n *node) learn(trace []model.PathHop) {
	if len(trace) < 2 || trace[0].ID != n.id {
		return
	}
	last := trace[len(trace)-1]
	if last.Kind != model.KindServer {
		return
	}
	hops := make([]model.NodeID, len(trace))
	for i, h := range trace {
		hops[i] = h.ID
	}
	if known, ok := n.routes[last.ID]; ok && len(known) <= len(hops) {
		return
	}
	n.routes[last.ID] = hops
}

// traffic runs on every clock tick for clients: flood to discover servers
// or send one fragment along a known route.
func (n *node) traffic(ctx context.Context) {
	n.tickN++
	if len(n.routes) == 0 || n.tickN%refloodEvery == 0 {
		n.floodID++
		n.session++
		req := model.Packet{
			Type:      model.PacketFloodRequest,
			SessionID: n.session,
			Flood: &model.FloodRequest{
				FloodID:   n.floodID,
				Initiator: n.id,
				PathTrace: []model.PathHop{{ID: n.id, Kind: n.kind}},
			},
		}
		for _, peer := range sortedPeers(n.senders) {
			out := req
			out.Flood = &model.FloodRequest{FloodID: n.floodID, Initiator: n.id, PathTrace: append([]model.PathHop(nil), req.Flood.PathTrace...)}
			if send(n.senders[peer], out) {
				n.emit(ctx, model.PacketSent{Packet: out})
			}
		}
		return
	}

	servers := make([]model.NodeID, 0, len(n.routes))
	for id := range n.routes {
		servers = append(servers, id)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i] < servers[j] })
	dst := servers[n.tickN%len(servers)]

	n.session++
	frag := model.Packet{
		Type:      model.PacketFragment,
		SessionID: n.session,
		Route:     model.SourceRoute{Hops: append([]model.NodeID(nil), n.routes[dst]...)},
	}
	if !n.forward(ctx, frag) {
		delete(n.routes, dst)
	}
}

func (n *node) emit(ctx context.Context, ev model.Event) {
	select {
	case n.events <- ev:
	case <-ctx.Done():
	}
}

// send never blocks: a full or stopped inbox loses the packet.
func send(ch model.PacketChannel, pkt model.Packet) bool {
	if !ch.Valid() {
		return false
	}
	select {
	case <-ch.Done:
		return false
	default:
	}
	select {
	case ch.C <- pkt:
		return true
	default:
		return false
	}
}

func sortedPeers(senders map[model.NodeID]model.PacketChannel) []model.NodeID {
	out := make([]model.NodeID, 0, len(senders))
	for id := range senders {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// routeUses reports whether route starts at self and its next hop is peer.
func routeUses(route []model.NodeID, self, peer model.NodeID) bool {
	return len(route) > 1 && route[0] == self && route[1] == peer
}
