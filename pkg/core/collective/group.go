package collective

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Group is a communicator among a subset of the world ranks.
//
// Members are addressed by their index in the group (0 to Size()-1), in the order the ranks were given.
// A Group is immutable and can be used concurrently only by operations that don't share a message stream,
// that is, by goroutines using different Groups.
type Group struct {
	transport Transport
	name      string
	ranks     []int
	index     int
}

// GroupName returns the canonical name of a group of the given kind and member ranks.
// All members compute the same name, so groups need no creation handshake.
func GroupName(kind string, ranks []int) string {
	parts := make([]string, len(ranks))
	for ii, r := range ranks {
		parts[ii] = fmt.Sprint(r)
	}
	return kind + "[" + strings.Join(parts, ",") + "]"
}

// NewGroup creates the communicator for the given member ranks. The transport rank must be one of them.
//
// Groups with the same name share message streams, so different groups must have different names.
// If name is empty, GroupName("group", ranks) is used.
func NewGroup(transport Transport, name string, ranks []int) (*Group, error) {
	if len(ranks) == 0 {
		return nil, errors.New("collective group requires at least one rank")
	}
	seen := make(map[int]bool, len(ranks))
	for _, r := range ranks {
		if err := checkPeer(transport, r); err != nil {
			return nil, errors.WithMessagef(err, "invalid member of group %v", ranks)
		}
		if seen[r] {
			return nil, errors.Errorf("rank %d is duplicated in group %v", r, ranks)
		}
		seen[r] = true
	}
	index := slices.Index(ranks, transport.Rank())
	if index < 0 {
		return nil, errors.Errorf("rank %d is not a member of group %v", transport.Rank(), ranks)
	}
	if name == "" {
		name = GroupName("group", ranks)
	}
	return &Group{transport: transport, name: name, ranks: slices.Clone(ranks), index: index}, nil
}

// Name of the group.
func (g *Group) Name() string { return g.name }

// Size is the number of members.
func (g *Group) Size() int { return len(g.ranks) }

// Index of the local rank within the group.
func (g *Group) Index() int { return g.index }

// Ranks returns a copy of the member world ranks.
func (g *Group) Ranks() []int { return slices.Clone(g.ranks) }

// WorldRank returns the world rank of the member at index.
func (g *Group) WorldRank(index int) int { return g.ranks[index] }

// String implements fmt.Stringer.
func (g *Group) String() string { return g.name }

func (g *Group) tag(kind string) string { return g.name + "/" + kind }

func (g *Group) checkIndex(index int) error {
	if index < 0 || index >= len(g.ranks) {
		return errors.Errorf("member index %d out of range for group %s of size %d", index, g.name, len(g.ranks))
	}
	return nil
}

func (g *Group) sendBytes(ctx context.Context, dst int, kind string, payload []byte) error {
	if err := g.checkIndex(dst); err != nil {
		return err
	}
	return g.transport.Send(ctx, g.ranks[dst], g.tag(kind), payload)
}

func (g *Group) recvBytes(ctx context.Context, src int, kind string) ([]byte, error) {
	if err := g.checkIndex(src); err != nil {
		return nil, err
	}
	return g.transport.Recv(ctx, g.ranks[src], g.tag(kind))
}

// Send a self-describing tensor (shape header and data) to the member dst.
func (g *Group) Send(ctx context.Context, dst int, t *tensors.Tensor) error {
	payload, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	return errors.WithMessagef(g.sendBytes(ctx, dst, "p2p", payload), "group %s: send to member %d", g.name, dst)
}

// Recv a tensor sent with Send by member src.
func (g *Group) Recv(ctx context.Context, src int) (*tensors.Tensor, error) {
	payload, err := g.recvBytes(ctx, src, "p2p")
	if err != nil {
		return nil, errors.WithMessagef(err, "group %s: receive from member %d", g.name, src)
	}
	return tensors.Decode(payload)
}

// SendData sends only the tensor data, the receiver must know the shape (see RecvInto).
func (g *Group) SendData(ctx context.Context, dst int, t *tensors.Tensor) error {
	return errors.WithMessagef(g.sendBytes(ctx, dst, "p2p", t.EncodeData()),
		"group %s: send data to member %d", g.name, dst)
}

// RecvInto receives data sent with SendData into the preallocated buffer.
func (g *Group) RecvInto(ctx context.Context, src int, buffer *tensors.Tensor) error {
	payload, err := g.recvBytes(ctx, src, "p2p")
	if err != nil {
		return errors.WithMessagef(err, "group %s: receive from member %d", g.name, src)
	}
	return buffer.DecodeDataInto(payload)
}

// Broadcast sends t from the root member to all members. On the root it returns t; on the other members t is
// ignored (and can be nil) and the received tensor is returned.
func (g *Group) Broadcast(ctx context.Context, t *tensors.Tensor, root int) (*tensors.Tensor, error) {
	if err := g.checkIndex(root); err != nil {
		return nil, err
	}
	if g.index != root {
		payload, err := g.recvBytes(ctx, root, "broadcast")
		if err != nil {
			return nil, errors.WithMessagef(err, "group %s: broadcast from member %d", g.name, root)
		}
		return tensors.Decode(payload)
	}
	if t == nil {
		return nil, errors.Errorf("group %s: broadcast root was given a nil tensor", g.name)
	}
	payload, err := t.MarshalBinary()
	if err != nil {
		return nil, err
	}
	for member := range g.ranks {
		if member == root {
			continue
		}
		if err := g.sendBytes(ctx, member, "broadcast", payload); err != nil {
			return nil, errors.WithMessagef(err, "group %s: broadcast to member %d", g.name, member)
		}
	}
	return t, nil
}

// AllGather concatenates the tensors of all members, in member order, along axis. All members must contribute
// tensors that only differ in the dimension of axis.
func (g *Group) AllGather(ctx context.Context, t *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	if len(g.ranks) == 1 {
		return t.Clone(), nil
	}
	payload, err := t.MarshalBinary()
	if err != nil {
		return nil, err
	}
	for member := range g.ranks {
		if member != g.index {
			if err := g.sendBytes(ctx, member, "gather", payload); err != nil {
				return nil, errors.WithMessagef(err, "group %s: all-gather to member %d", g.name, member)
			}
		}
	}
	parts := make([]*tensors.Tensor, len(g.ranks))
	for member := range g.ranks {
		if member == g.index {
			parts[member] = t
			continue
		}
		buf, err := g.recvBytes(ctx, member, "gather")
		if err != nil {
			return nil, errors.WithMessagef(err, "group %s: all-gather from member %d", g.name, member)
		}
		if parts[member], err = tensors.Decode(buf); err != nil {
			return nil, err
		}
	}
	return tensors.Concatenate(axis, parts...), nil
}

// Barrier blocks until all members reached it.
func (g *Group) Barrier(ctx context.Context) error {
	return g.AllReduce(ctx, tensors.Scalar(0), ReduceSum)
}
