package icmp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	testID  = 0x1234
	testSeq = 7
)

var (
	target4 = netip.MustParseAddr("192.0.2.1")
	target6 = netip.MustParseAddr("2001:db8::1")
	router4 = netip.MustParseAddr("10.0.0.1")
	router6 = netip.MustParseAddr("2001:db8:ffff::1")
)

func serialize(t *testing.T, opts gopacket.SerializeOptions, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, opts, ls...)
	if err != nil {
		t.Fatalf("SerializeLayers() error = %v", err)
	}
	return buf.Bytes()
}

func echoReply4(t *testing.T, id, seq uint16) []byte {
	return serialize(t, gopacket.SerializeOptions{ComputeChecksums: true},
		&layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
			Id:       id,
			Seq:      seq,
		},
		gopacket.Payload(make([]byte, payloadLen)))
}

func timeExceeded4(t *testing.T, dst netip.Addr, id, seq uint16) []byte {
	req, err := marshalEcho(false, id, seq, make([]byte, payloadLen))
	if err != nil {
		t.Fatalf("marshalEcho() error = %v", err)
	}
	orig := serialize(t, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.IPv4{
			Version:  4,
			TTL:      1,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    net.IP{198, 51, 100, 7},
			DstIP:    dst.AsSlice(),
		},
		gopacket.Payload(req))
	// routers quote the IP header and the first 8 bytes of the datagram
	quote := orig[:20+8]
	return serialize(t, gopacket.SerializeOptions{ComputeChecksums: true},
		&layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, 0),
		},
		gopacket.Payload(quote))
}

func echoReply6(t *testing.T, id, seq uint16) []byte {
	return serialize(t, gopacket.SerializeOptions{},
		&layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoReply, 0)},
		&layers.ICMPv6Echo{Identifier: id, SeqNumber: seq},
		gopacket.Payload(make([]byte, payloadLen)))
}

func timeExceeded6(t *testing.T, dst netip.Addr, id, seq uint16) []byte {
	req, err := marshalEcho(true, id, seq, make([]byte, payloadLen))
	if err != nil {
		t.Fatalf("marshalEcho() error = %v", err)
	}
	orig := serialize(t, gopacket.SerializeOptions{FixLengths: true},
		&layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolICMPv6,
			HopLimit:   1,
			SrcIP:      net.ParseIP("2001:db8:1::7"),
			DstIP:      dst.AsSlice(),
		},
		gopacket.Payload(req))
	return serialize(t, gopacket.SerializeOptions{},
		&layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeTimeExceeded, 0)},
		gopacket.Payload(append(make([]byte, 4), orig...)))
}

func TestMarshalEcho4(t *testing.T) {
	b, err := marshalEcho(false, testID, testSeq, make([]byte, payloadLen))
	if err != nil {
		t.Fatalf("marshalEcho() error = %v", err)
	}
	if got, want := len(b), 8+payloadLen; got != want {
		t.Fatalf("len(marshalEcho()) = %d, want %d", got, want)
	}
	var msg layers.ICMPv4
	err = msg.DecodeFromBytes(b, gopacket.NilDecodeFeedback)
	if err != nil {
		t.Fatalf("DecodeFromBytes() error = %v", err)
	}
	if msg.TypeCode.Type() != layers.ICMPv4TypeEchoRequest || msg.Id != testID || msg.Seq != testSeq {
		t.Fatalf("decoded echo request = %v id=%d seq=%d", msg.TypeCode, msg.Id, msg.Seq)
	}
	if msg.Checksum == 0 {
		t.Fatalf("checksum not set")
	}
}

func TestMarshalEcho6(t *testing.T) {
	b, err := marshalEcho(true, testID, testSeq, make([]byte, payloadLen))
	if err != nil {
		t.Fatalf("marshalEcho() error = %v", err)
	}
	var msg layers.ICMPv6
	err = msg.DecodeFromBytes(b, gopacket.NilDecodeFeedback)
	if err != nil {
		t.Fatalf("DecodeFromBytes() error = %v", err)
	}
	if msg.TypeCode.Type() != layers.ICMPv6TypeEchoRequest {
		t.Fatalf("decoded type = %v, want echo request", msg.TypeCode)
	}
	if !matchEcho6(msg.Payload, testID, testSeq) {
		t.Fatalf("echo identifier/sequence mismatch")
	}
}

func TestMatchReply4(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		want bool
	}{
		{"echo reply", echoReply4(t, testID, testSeq), true},
		{"echo reply other seq", echoReply4(t, testID, testSeq+1), false},
		{"echo reply other id", echoReply4(t, testID+1, testSeq), false},
		{"time exceeded", timeExceeded4(t, target4, testID, testSeq), true},
		{"time exceeded other target", timeExceeded4(t, router4, testID, testSeq), false},
		{"time exceeded other seq", timeExceeded4(t, target4, testID, testSeq+1), false},
		{"own echo request", mustMarshalEcho(t, false), false},
		{"garbage", []byte{1, 2, 3}, false},
	}
	for _, tt := range tests {
		if got := matchReply(target4, testID, testSeq, tt.msg); got != tt.want {
			t.Errorf("matchReply(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMatchReply6(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		want bool
	}{
		{"echo reply", echoReply6(t, testID, testSeq), true},
		{"echo reply other seq", echoReply6(t, testID, testSeq+1), false},
		{"time exceeded", timeExceeded6(t, target6, testID, testSeq), true},
		{"time exceeded other target", timeExceeded6(t, router6, testID, testSeq), false},
		{"time exceeded other id", timeExceeded6(t, target6, testID+1, testSeq), false},
		{"own echo request", mustMarshalEcho(t, true), false},
		{"garbage", []byte{1}, false},
	}
	for _, tt := range tests {
		if got := matchReply(target6, testID, testSeq, tt.msg); got != tt.want {
			t.Errorf("matchReply(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func mustMarshalEcho(t *testing.T, v6 bool) []byte {
	b, err := marshalEcho(v6, testID, testSeq, make([]byte, payloadLen))
	if err != nil {
		t.Fatalf("marshalEcho() error = %v", err)
	}
	return b
}

func TestProbeHopLoopback(t *testing.T) {
	p := NewProber(slog.New(slog.DiscardHandler))
	from, ok, err := p.ProbeHop(context.Background(), netip.MustParseAddr("127.0.0.1"), 64, time.Second)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			t.Skipf("raw ICMP sockets not permitted: %v", err)
		}
		t.Fatalf("ProbeHop() error = %v", err)
	}
	if !ok {
		t.Fatalf("ProbeHop() got no reply from loopback")
	}
	if got, want := from, netip.MustParseAddr("127.0.0.1"); got != want {
		t.Fatalf("ProbeHop() = %v, want %v", got, want)
	}
}
