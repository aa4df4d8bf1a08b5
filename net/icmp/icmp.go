// Package icmp implements hop-limited ICMP echo probes on raw sockets.
// Sending requires CAP_NET_RAW or root.
package icmp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"

	"example.com/pathtime/net/ip"
)

const (
	payloadLen = 32
	mtu        = 1500
)

var errUnexpectedAddrType = errors.New("unexpected address type")

// Prober sends ICMP echo requests with a limited TTL (or hop limit) and
// waits for the matching echo reply, time exceeded or destination
// unreachable message. Each probe uses its own socket; replies are matched
// by identifier and sequence number.
type Prober struct {
	Log *slog.Logger
	id  uint16
	seq atomic.Uint32
}

func NewProber(log *slog.Logger) *Prober {
	return &Prober{Log: log, id: uint16(os.Getpid() & 0xffff)}
}

func (p *Prober) ProbeHop(ctx context.Context, target netip.Addr, ttl int, timeout time.Duration) (
	netip.Addr, bool, error) {
	target = target.Unmap()
	seq := uint16(p.seq.Add(1))

	var conn *icmp.PacketConn
	var err error
	if target.Is4() {
		conn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err != nil {
			return netip.Addr{}, false, err
		}
		err = conn.IPv4PacketConn().SetTTL(ttl)
	} else {
		conn, err = icmp.ListenPacket("ip6:ipv6-icmp", "::")
		if err != nil {
			return netip.Addr{}, false, err
		}
		err = conn.IPv6PacketConn().SetHopLimit(ttl)
	}
	defer func() { _ = conn.Close() }()
	if err != nil {
		return netip.Addr{}, false, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	err = conn.SetReadDeadline(deadline)
	if err != nil {
		return netip.Addr{}, false, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	pkt, err := marshalEcho(target.Is6(), p.id, seq, make([]byte, payloadLen))
	if err != nil {
		return netip.Addr{}, false, err
	}
	_, err = conn.WriteTo(pkt, &net.IPAddr{IP: target.AsSlice(), Zone: target.Zone()})
	if err != nil {
		return netip.Addr{}, false, err
	}

	buf := make([]byte, mtu)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return netip.Addr{}, false, nil
			}
			return netip.Addr{}, false, err
		}
		if !matchReply(target, p.id, seq, buf[:n]) {
			continue
		}
		peerAddr, ok := peer.(*net.IPAddr)
		if !ok {
			return netip.Addr{}, false, errUnexpectedAddrType
		}
		from, ok := netip.AddrFromSlice(peerAddr.IP)
		if !ok {
			return netip.Addr{}, false, errUnexpectedAddrType
		}
		p.Log.LogAttrs(ctx, slog.LevelDebug, "received ICMP reply",
			slog.Any("from", from.Unmap()),
			slog.Int("ttl", ttl),
			slog.Int("seq", int(seq)),
		)
		return from.Unmap(), true, nil
	}
}

func marshalEcho(v6 bool, id, seq uint16, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	var err error
	if !v6 {
		req := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
			Id:       id,
			Seq:      seq,
		}
		err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true},
			req, gopacket.Payload(payload))
	} else {
		// The kernel fills in the ICMPv6 checksum on raw sockets.
		req := &layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0),
		}
		echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq}
		err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
			req, echo, gopacket.Payload(payload))
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// matchReply reports whether b, an ICMP message without IP header, answers
// the echo request (id, seq) sent to target.
func matchReply(target netip.Addr, id, seq uint16, b []byte) bool {
	if target.Is4() {
		return matchReply4(target, id, seq, b)
	}
	return matchReply6(target, id, seq, b)
}

func matchReply4(target netip.Addr, id, seq uint16, b []byte) bool {
	var msg layers.ICMPv4
	err := msg.DecodeFromBytes(b, gopacket.NilDecodeFeedback)
	if err != nil {
		return false
	}
	switch msg.TypeCode.Type() {
	case layers.ICMPv4TypeEchoReply:
		return msg.Id == id && msg.Seq == seq
	case layers.ICMPv4TypeTimeExceeded, layers.ICMPv4TypeDestinationUnreachable:
		// quoted datagram: original IPv4 header and the first 8 bytes of
		// our echo request
		var inner layers.IPv4
		err = inner.DecodeFromBytes(msg.Payload, gopacket.NilDecodeFeedback)
		if err != nil {
			return false
		}
		if inner.Protocol != layers.IPProtocolICMPv4 || ip.CompareIPs(inner.DstIP, target.AsSlice()) != 0 {
			return false
		}
		var req layers.ICMPv4
		err = req.DecodeFromBytes(inner.Payload, gopacket.NilDecodeFeedback)
		if err != nil {
			return false
		}
		return req.TypeCode.Type() == layers.ICMPv4TypeEchoRequest &&
			req.Id == id && req.Seq == seq
	default:
		return false
	}
}

func matchReply6(target netip.Addr, id, seq uint16, b []byte) bool {
	var msg layers.ICMPv6
	err := msg.DecodeFromBytes(b, gopacket.NilDecodeFeedback)
	if err != nil {
		return false
	}
	switch msg.TypeCode.Type() {
	case layers.ICMPv6TypeEchoReply:
		return matchEcho6(msg.Payload, id, seq)
	case layers.ICMPv6TypeTimeExceeded, layers.ICMPv6TypeDestinationUnreachable:
		// 4 unused bytes precede the quoted datagram
		if len(msg.Payload) < 4 {
			return false
		}
		var inner layers.IPv6
		err = inner.DecodeFromBytes(msg.Payload[4:], gopacket.NilDecodeFeedback)
		if err != nil {
			return false
		}
		if inner.NextHeader != layers.IPProtocolICMPv6 || ip.CompareIPs(inner.DstIP, target.AsSlice()) != 0 {
			return false
		}
		var req layers.ICMPv6
		err = req.DecodeFromBytes(inner.Payload, gopacket.NilDecodeFeedback)
		if err != nil {
			return false
		}
		return req.TypeCode.Type() == layers.ICMPv6TypeEchoRequest &&
			matchEcho6(req.Payload, id, seq)
	default:
		return false
	}
}

func matchEcho6(b []byte, id, seq uint16) bool {
	var echo layers.ICMPv6Echo
	err := echo.DecodeFromBytes(b, gopacket.NilDecodeFeedback)
	if err != nil {
		return false
	}
	return echo.Identifier == id && echo.SeqNumber == seq
}
