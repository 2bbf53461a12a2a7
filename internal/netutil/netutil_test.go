package netutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"strings"
	"testing"
)

const (
	// torProjectOnion is the published onion address of torproject.org.
	torProjectOnion = "2gzyxa5ihm7nsggfxnu52rck2vv4rvmdlkiu3zzui5du4xyclen53wid.onion"
	// allAOnion has the v3 format but an invalid checksum.
	allAOnion = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion"
)

func TestIsV3Address(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		want    bool
	}{
		{"real v3 address", torProjectOnion, true},
		{"format only, bad checksum", allAOnion, true},
		{"uppercase", strings.ToUpper(strings.TrimSuffix(torProjectOnion, ".onion")) + ".onion", false},
		{"v2 address", "facebookcorewwwi.onion", false},
		{"too short", strings.Repeat("a", 55) + ".onion", false},
		{"too long", strings.Repeat("a", 57) + ".onion", false},
		{"digit 0 is not base32", strings.Repeat("0", 56) + ".onion", false},
		{"digit 1 is not base32", strings.Repeat("1", 56) + ".onion", false},
		{"digit 8 is not base32", strings.Repeat("8", 56) + ".onion", false},
		{"missing suffix", strings.TrimSuffix(torProjectOnion, ".onion"), false},
		{"with port", torProjectOnion + ":80", false},
		{"with scheme", "http://" + torProjectOnion, false},
		{"only suffix", ".onion", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsV3Address(tt.address); got != tt.want {
				t.Errorf("IsV3Address(%q) = %v, want %v", tt.address, got, tt.want)
			}
		})
	}
}

func TestIsValidV3Address(t *testing.T) {
	t.Parallel()

	if !IsValidV3Address(torProjectOnion) {
		t.Errorf("expected %q to pass checksum validation", torProjectOnion)
	}
	if IsValidV3Address(allAOnion) {
		t.Errorf("expected %q to fail checksum validation", allAOnion)
	}
	if IsValidV3Address("facebookcorewwwi.onion") {
		t.Error("v2 address must not be a valid v3 address")
	}
}

func TestIsV2Address(t *testing.T) {
	t.Parallel()

	if !IsV2Address("facebookcorewwwi.onion") {
		t.Error("expected v2 format to match")
	}
	if IsV2Address(torProjectOnion) {
		t.Error("v3 address must not match the v2 format")
	}
}

func TestComputeV3AddressFromPublicKey(t *testing.T) {
	t.Parallel()

	t.Run("generated address is valid", func(t *testing.T) {
		t.Parallel()

		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		addr, err := ComputeV3AddressFromPublicKey(pub)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(addr) != OnionV3Length+len(OnionSuffix) {
			t.Errorf("unexpected length %d", len(addr))
		}
		if !IsValidV3Address(addr) {
			t.Errorf("computed address %q failed validation", addr)
		}
	})

	t.Run("wrong key size", func(t *testing.T) {
		t.Parallel()

		if _, err := ComputeV3AddressFromPublicKey(make([]byte, 31)); err == nil {
			t.Error("expected error for 31 byte key")
		}
	})
}

func TestFindFreePort(t *testing.T) {
	t.Parallel()

	port, err := FindFreePort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port out of range: %d", port)
	}

	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("returned port %d is not bindable: %v", port, err)
	}
	_ = l.Close()
}

func TestIsLocalHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"127.0.0.1", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"printer.local", true},
		{"app.localhost", true},
		{"example.com", false},
		{"10.0.0.1", false},
		{torProjectOnion, false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()
			if got := IsLocalHost(tt.host); got != tt.want {
				t.Errorf("IsLocalHost(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}
