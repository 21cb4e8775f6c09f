package socks

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"tetherlink/pkg/relay"
	"tetherlink/pkg/traffic"
)

// startUDPTarget runs a UDP responder that answers "pong" to every
// datagram received.
func startUDPTarget(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("target listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			_, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP([]byte("pong"), from)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

// startRelay binds a UDP relay on an ephemeral port.
func startRelay(t *testing.T) *UDPRelay {
	t.Helper()
	r := NewUDPRelay(traffic.NewCounter())
	if err := r.Start(0); err != nil {
		t.Fatalf("relay start: %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

// socksUDPPacket builds RSV RSV FRAG ATYP ADDR PORT PAYLOAD for an IPv4
// target.
func socksUDPPacket(frag byte, target *net.UDPAddr, payload []byte) []byte {
	pkt := []byte{0x00, 0x00, frag, IPv4}
	pkt = append(pkt, target.IP.To4()...)
	pkt = append(pkt, 0, 0)
	binary.BigEndian.PutUint16(pkt[len(pkt)-2:], uint16(target.Port))
	return append(pkt, payload...)
}

func TestUDPRelayRoundTrip(t *testing.T) {
	target := startUDPTarget(t)
	r := startRelay(t)

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()})
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	pkt := socksUDPPacket(0x00, target, []byte("ping"))
	if _, err := client.Write(pkt); err != nil {
		t.Fatalf("client write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}

	// Reply is the original header with the response payload appended.
	wantHeader := socksUDPPacket(0x00, target, nil)
	want := append(wantHeader, []byte("pong")...)
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("reply = % x, want % x", buf[:n], want)
	}
}

func TestUDPRelayDropsFragmented(t *testing.T) {
	target := startUDPTarget(t)
	r := startRelay(t)

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()})
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	client.Write(socksUDPPacket(0x01, target, []byte("ping")))

	client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := client.Read(make([]byte, 2048)); err == nil {
		t.Fatal("fragmented datagram produced a reply, want silent drop")
	}
}

func TestUDPRelayDropsTruncated(t *testing.T) {
	r := startRelay(t)

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()})
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	client.Write([]byte{0x00, 0x00, 0x00, IPv4, 127})

	client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := client.Read(make([]byte, 2048)); err == nil {
		t.Fatal("truncated datagram produced a reply, want silent drop")
	}
}

func TestUDPAssociate(t *testing.T) {
	r := startRelay(t)

	srv := NewServer(relay.NewRegistry(), traffic.NewCounter(), r)
	srv.localIP = func() string { return "192.168.2.1" }

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				srv.ServeConn(c)
			}(conn)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	greet(t, conn)

	conn.Write([]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("associate reply: %v", err)
	}

	if reply[0] != 0x05 || reply[1] != 0x00 || reply[3] != IPv4 {
		t.Fatalf("reply head = % x, want 05 00 00 01", reply[:4])
	}
	if got := net.IPv4(reply[4], reply[5], reply[6], reply[7]).String(); got != "192.168.2.1" {
		t.Errorf("BND.ADDR = %s, want 192.168.2.1", got)
	}
	if got := int(binary.BigEndian.Uint16(reply[8:10])); got != r.Port() {
		t.Errorf("BND.PORT = %d, want %d", got, r.Port())
	}

	// The control connection stays open until the client drops it.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("unexpected data on control connection")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Errorf("control connection closed: %v", err)
	}
}

func TestAssociateWithoutRelay(t *testing.T) {
	addr, _ := startSocksServer(t, nil)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	greet(t, conn)

	conn.Write([]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	reply := readReply(t, conn)
	if reply[1] != GeneralFailure {
		t.Errorf("reply code = 0x%02x, want 0x01", reply[1])
	}
}
