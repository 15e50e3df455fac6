package discovery

import (
	"net"
	"testing"
)

func TestTransmitHostAddr(t *testing.T) {
	h := TransmitHost{Instance: "iiod on usrp0", Addresses: []net.IP{net.ParseIP("192.168.1.23")}, Port: 30431}
	addr, err := h.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	if addr != "192.168.1.23:30431" {
		t.Fatalf("got %q, want 192.168.1.23:30431", addr)
	}
}

func TestTransmitHostAddrNoAddresses(t *testing.T) {
	h := TransmitHost{Instance: "iiod on usrp0"}
	if _, err := h.Addr(); err == nil {
		t.Fatalf("expected error for host with no addresses")
	}
}

func TestCleanInstance(t *testing.T) {
	if got := cleanInstance(`iiod\ on\ usrp0`); got != "iiod on usrp0" {
		t.Fatalf("got %q", got)
	}
}
