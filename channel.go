// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"context"
	"encoding/binary"
	"hash/fnv"

	"github.com/grailbio/base/log"
)

// A ChannelRole is the part an instance plays on one channel.
type ChannelRole int

const (
	// RoleNone indicates an instance that participates in the channel's
	// collective handshake but neither pushes nor pops.
	RoleNone ChannelRole = iota
	// RoleProducer indicates an instance whose runner may push.
	RoleProducer
	// RoleConsumer indicates the instance whose runner peeks and pops.
	RoleConsumer
)

// String returns a human-readable representation of the role.
func (r ChannelRole) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "none"
	}
}

// Coordination cells hold two 8-byte little-endian counters: the
// producer-advanced head at offset 0 and the consumer-advanced tail at
// offset 8. The counters grow monotonically; ring positions are derived
// from them modulo the ring size. Sizes-ring entries hold two 8-byte
// little-endian values: the token's payload-ring position and its length.
const (
	cellBytes      = 16
	headOff        = 0
	tailOff        = 8
	sizesEntrySize = 16

	// channelMemorySpace is the memory-space type tag used for channel
	// slot allocations.
	channelMemorySpace = "host"
)

// A Channel is one endpoint of a variable-sized, bounded, multi-producer
// single-consumer channel, established by a collective handshake across
// every instance in the transport group (see establishChannel). The
// consumer owns the sizes ring, the payload ring, and both coordination
// cells; producers hold remote views of them plus local mirrors, and
// serialize their pushes with the transport's distributed lock.
//
// Push, Peek, and Pop never block on channel state: a push that cannot
// proceed fails with WouldBlock, and a peek or pop with nothing pending
// fails with Empty. Callers that want to wait spin on Peek.
type Channel struct {
	name      string
	tag       uint64
	role      ChannelRole
	capacity  int
	size      int
	transport Transport

	// Consumer-owned slots, nil on other roles.
	sizes         LocalMemorySlot
	payload       LocalMemorySlot
	coordSizes    LocalMemorySlot
	coordPayloads LocalMemorySlot

	// Producer-side remote views of the consumer's slots, nil on other
	// roles.
	rsizes         GlobalMemorySlot
	rpayload       GlobalMemorySlot
	rcoordSizes    GlobalMemorySlot
	rcoordPayloads GlobalMemorySlot

	// Producer-local coordination-cell mirrors and the one-element
	// outgoing size-info buffer, nil on other roles.
	mirrorSizes    LocalMemorySlot
	mirrorPayloads LocalMemorySlot
	sizeInfo       LocalMemorySlot

	// Consumer-side scratch for tokens that wrap around the end of the
	// payload ring; valid from Peek until the matching Pop.
	wrapped []byte
}

// channelTag derives the collective-exchange tag for a channel name.
func channelTag(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// establishChannel runs the collective handshake for spec on behalf of the
// instance playing role. Every instance in the transport group must call
// establishChannel for the same channel, in the same relative order across
// channels, so that the transport fence keyed by the channel tag can
// gather all of them.
func establishChannel(ctx context.Context, transport Transport, spec ChannelSpec, role ChannelRole) (*Channel, error) {
	c := &Channel{
		name:      spec.Name,
		tag:       channelTag(spec.Name),
		role:      role,
		capacity:  spec.BufferCapacity,
		size:      spec.BufferSize,
		transport: transport,
	}
	switch role {
	case RoleConsumer:
		var err error
		if c.sizes, err = transport.AllocateLocalMemorySlot(channelMemorySpace, c.capacity*sizesEntrySize); err != nil {
			return nil, wrapTransportErr(err)
		}
		if c.payload, err = transport.AllocateLocalMemorySlot(channelMemorySpace, c.size); err != nil {
			return nil, wrapTransportErr(err)
		}
		if c.coordSizes, err = transport.AllocateLocalMemorySlot(channelMemorySpace, cellBytes); err != nil {
			return nil, wrapTransportErr(err)
		}
		if c.coordPayloads, err = transport.AllocateLocalMemorySlot(channelMemorySpace, cellBytes); err != nil {
			return nil, wrapTransportErr(err)
		}
		slots := map[SlotKey]LocalMemorySlot{
			SlotSizes:         c.sizes,
			SlotCoordSizes:    c.coordSizes,
			SlotCoordPayloads: c.coordPayloads,
			SlotPayload:       c.payload,
		}
		if err = transport.ExchangeGlobalMemorySlots(ctx, c.tag, slots); err != nil {
			return nil, c.fatal(err)
		}
	case RoleProducer:
		var err error
		if c.mirrorSizes, err = transport.AllocateLocalMemorySlot(channelMemorySpace, cellBytes); err != nil {
			return nil, wrapTransportErr(err)
		}
		if c.mirrorPayloads, err = transport.AllocateLocalMemorySlot(channelMemorySpace, cellBytes); err != nil {
			return nil, wrapTransportErr(err)
		}
		if c.sizeInfo, err = transport.AllocateLocalMemorySlot(channelMemorySpace, sizesEntrySize); err != nil {
			return nil, wrapTransportErr(err)
		}
	}
	if err := transport.Fence(ctx, c.tag); err != nil {
		return nil, c.fatal(err)
	}
	if role == RoleProducer {
		var err error
		if c.rsizes, err = transport.GetGlobalMemorySlot(ctx, c.tag, SlotSizes); err != nil {
			return nil, c.fatal(err)
		}
		if c.rpayload, err = transport.GetGlobalMemorySlot(ctx, c.tag, SlotPayload); err != nil {
			return nil, c.fatal(err)
		}
		if c.rcoordSizes, err = transport.GetGlobalMemorySlot(ctx, c.tag, SlotCoordSizes); err != nil {
			return nil, c.fatal(err)
		}
		if c.rcoordPayloads, err = transport.GetGlobalMemorySlot(ctx, c.tag, SlotCoordPayloads); err != nil {
			return nil, c.fatal(err)
		}
	}
	return c, nil
}

// fatal handles a transport failure during the handshake or fence, the one
// phase whose failure aborts the transport rather than propagating.
func (c *Channel) fatal(err error) error {
	log.Error.Printf("deployr: channel %s: fatal transport failure during handshake: %v", c.name, err)
	c.transport.Abort(1)
	return wrapTransportErr(err)
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }

// Role returns the part this instance plays on the channel.
func (c *Channel) Role() ChannelRole { return c.role }

// Capacity returns the maximum number of pending tokens.
func (c *Channel) Capacity() int { return c.capacity }

// BufferSize returns the maximum number of pending payload bytes.
func (c *Channel) BufferSize() int { return c.size }

// readCell reads a coordination cell's (head, tail) counter pair.
func readCell(ctx context.Context, slot GlobalMemorySlot) (head, tail uint64, err error) {
	var buf [cellBytes]byte
	if err = slot.ReadAt(ctx, buf[:], 0); err != nil {
		return 0, 0, wrapTransportErr(err)
	}
	return binary.LittleEndian.Uint64(buf[headOff:]), binary.LittleEndian.Uint64(buf[tailOff:]), nil
}

func writeCounter(ctx context.Context, slot GlobalMemorySlot, off int64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return wrapTransportErr(slot.WriteAt(ctx, buf[:], off))
}

// Push appends p as one token. Only the producer side may push. Push fails
// with WouldBlock when the channel already holds BufferCapacity pending
// tokens or fewer than len(p) payload bytes are free; it never waits.
// Tokens from one producer are observed by the consumer in push order;
// tokens from distinct producers are serialized by the channel's
// distributed lock in an unspecified order.
func (c *Channel) Push(ctx context.Context, p []byte) error {
	if c.role != RoleProducer {
		return E(WrongRole, "push on "+c.role.String()+" endpoint of channel "+c.name)
	}
	if len(p) > c.size {
		return E(WouldBlock, "token larger than channel buffer")
	}
	if err := c.transport.AcquireChannelLock(ctx, c.tag); err != nil {
		return wrapTransportErr(err)
	}
	defer c.transport.ReleaseChannelLock(c.tag)

	// Refresh the local coordination-cell mirrors from the consumer's
	// master cells.
	if err := c.rcoordSizes.ReadAt(ctx, c.mirrorSizes.Bytes(), 0); err != nil {
		return wrapTransportErr(err)
	}
	if err := c.rcoordPayloads.ReadAt(ctx, c.mirrorPayloads.Bytes(), 0); err != nil {
		return wrapTransportErr(err)
	}
	pushed := binary.LittleEndian.Uint64(c.mirrorSizes.Bytes()[headOff:])
	popped := binary.LittleEndian.Uint64(c.mirrorSizes.Bytes()[tailOff:])
	pushedBytes := binary.LittleEndian.Uint64(c.mirrorPayloads.Bytes()[headOff:])
	poppedBytes := binary.LittleEndian.Uint64(c.mirrorPayloads.Bytes()[tailOff:])

	if pushed-popped >= uint64(c.capacity) {
		return E(WouldBlock, "channel full")
	}
	if uint64(c.size)-(pushedBytes-poppedBytes) < uint64(len(p)) {
		return E(WouldBlock, "insufficient payload bytes")
	}

	// Copy the payload into the remote ring at the head position,
	// wrapping at the end of the ring.
	pos := pushedBytes % uint64(c.size)
	n := len(p)
	if first := int(uint64(c.size) - pos); n > first {
		if err := c.rpayload.WriteAt(ctx, p[:first], int64(pos)); err != nil {
			return wrapTransportErr(err)
		}
		if err := c.rpayload.WriteAt(ctx, p[first:], 0); err != nil {
			return wrapTransportErr(err)
		}
	} else if err := c.rpayload.WriteAt(ctx, p, int64(pos)); err != nil {
		return wrapTransportErr(err)
	}

	// Publish the token's (position, length) through the outgoing
	// size-info buffer into the sizes ring.
	info := c.sizeInfo.Bytes()
	binary.LittleEndian.PutUint64(info[0:], pos)
	binary.LittleEndian.PutUint64(info[8:], uint64(n))
	entry := int64(pushed%uint64(c.capacity)) * sizesEntrySize
	if err := c.rsizes.WriteAt(ctx, info, entry); err != nil {
		return wrapTransportErr(err)
	}

	// Advance the producer-side head counters, mirrors first.
	binary.LittleEndian.PutUint64(c.mirrorSizes.Bytes()[headOff:], pushed+1)
	binary.LittleEndian.PutUint64(c.mirrorPayloads.Bytes()[headOff:], pushedBytes+uint64(n))
	if err := writeCounter(ctx, c.rcoordSizes, headOff, pushed+1); err != nil {
		return err
	}
	return writeCounter(ctx, c.rcoordPayloads, headOff, pushedBytes+uint64(n))
}

// Peek returns the oldest pending token without consuming it, or Empty.
// Only the consumer side may peek. The returned slice borrows the
// consumer's payload ring and remains valid until the matching Pop.
func (c *Channel) Peek() ([]byte, error) {
	if c.role != RoleConsumer {
		return nil, E(WrongRole, "peek on "+c.role.String()+" endpoint of channel "+c.name)
	}
	ctx := context.Background() // consumer-local reads; never blocks
	pushed, popped, err := readCell(ctx, c.coordSizes)
	if err != nil {
		return nil, err
	}
	if pushed == popped {
		return nil, E(Empty)
	}
	pos, n, err := c.sizesEntry(ctx, popped)
	if err != nil {
		return nil, err
	}
	ring := c.payload.Bytes()
	if pos+n <= uint64(c.size) {
		return ring[pos : pos+n], nil
	}
	// The token wraps around the end of the ring; reassemble it in the
	// scratch buffer, which stays valid until Pop.
	if uint64(cap(c.wrapped)) < n {
		c.wrapped = make([]byte, n)
	}
	c.wrapped = c.wrapped[:n]
	first := uint64(c.size) - pos
	if err := c.payload.ReadAt(ctx, c.wrapped[:first], int64(pos)); err != nil {
		return nil, wrapTransportErr(err)
	}
	if err := c.payload.ReadAt(ctx, c.wrapped[first:], 0); err != nil {
		return nil, wrapTransportErr(err)
	}
	return c.wrapped, nil
}

// Pop consumes the oldest pending token, advancing the consumer-side tail
// counters of both rings. Only the consumer side may pop; Pop fails with
// Empty if nothing is pending. Peek followed by Pop is the canonical
// consume pattern; the pair is not atomic with respect to concurrent
// pushes, which only ever append.
func (c *Channel) Pop() error {
	if c.role != RoleConsumer {
		return E(WrongRole, "pop on "+c.role.String()+" endpoint of channel "+c.name)
	}
	ctx := context.Background()
	pushed, popped, err := readCell(ctx, c.coordSizes)
	if err != nil {
		return err
	}
	if pushed == popped {
		return E(Empty)
	}
	_, n, err := c.sizesEntry(ctx, popped)
	if err != nil {
		return err
	}
	_, poppedBytes, err := readCell(ctx, c.coordPayloads)
	if err != nil {
		return err
	}
	if err := writeCounter(ctx, c.coordSizes, tailOff, popped+1); err != nil {
		return err
	}
	return writeCounter(ctx, c.coordPayloads, tailOff, poppedBytes+n)
}

// sizesEntry reads the sizes-ring entry for the token numbered seq.
func (c *Channel) sizesEntry(ctx context.Context, seq uint64) (pos, n uint64, err error) {
	var buf [sizesEntrySize]byte
	off := int64(seq%uint64(c.capacity)) * sizesEntrySize
	if err = c.sizes.ReadAt(ctx, buf[:], off); err != nil {
		return 0, 0, wrapTransportErr(err)
	}
	return binary.LittleEndian.Uint64(buf[0:]), binary.LittleEndian.Uint64(buf[8:]), nil
}

// Stats reports the channel's pending-token count and pending payload
// bytes. Producers read the consumer's coordination cells over the
// transport; the values are a racy snapshot, intended for status display.
func (c *Channel) Stats(ctx context.Context) (pending, usedBytes int, err error) {
	var sizesCell, payloadCell GlobalMemorySlot
	switch c.role {
	case RoleConsumer:
		sizesCell, payloadCell = c.coordSizes, c.coordPayloads
	case RoleProducer:
		sizesCell, payloadCell = c.rcoordSizes, c.rcoordPayloads
	default:
		return 0, 0, E(WrongRole, "stats on none endpoint of channel "+c.name)
	}
	pushed, popped, err := readCell(ctx, sizesCell)
	if err != nil {
		return 0, 0, err
	}
	pushedBytes, poppedBytes, err := readCell(ctx, payloadCell)
	if err != nil {
		return 0, 0, err
	}
	return int(pushed - popped), int(pushedBytes - poppedBytes), nil
}

// release frees the local slots this endpoint allocated during the
// handshake. It is called from (*D).Finalize.
func (c *Channel) release() {
	for _, slot := range []LocalMemorySlot{
		c.sizes, c.payload, c.coordSizes, c.coordPayloads,
		c.mirrorSizes, c.mirrorPayloads, c.sizeInfo,
	} {
		if slot == nil {
			continue
		}
		if err := c.transport.FreeLocalMemorySlot(slot); err != nil {
			log.Error.Printf("deployr: channel %s: freeing slot: %v", c.name, err)
		}
	}
}
