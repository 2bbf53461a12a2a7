package netutil

import (
	"encoding/base32"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Onion address constants.
const (
	// OnionV3Length is the length of a v3 onion label without the ".onion" suffix.
	OnionV3Length = 56

	// OnionV3Version is the version byte embedded in v3 onion addresses.
	OnionV3Version = 0x03

	// OnionSuffix is the common suffix for all onion addresses.
	OnionSuffix = ".onion"
)

// ErrInvalidPublicKey is returned when a public key is not 32 bytes long.
var ErrInvalidPublicKey = errors.New("invalid ed25519 public key: must be 32 bytes")

// onionV3Pattern matches v3 onion addresses (56 base32 characters + .onion).
// Base32 uses lowercase a-z and digits 2-7.
var onionV3Pattern = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)

// onionV2Pattern matches the deprecated 16 character v2 format.
var onionV2Pattern = regexp.MustCompile(`^[a-z2-7]{16}\.onion$`)

// checksumPrefix is the prefix used in the v3 onion address checksum.
var checksumPrefix = []byte(".onion checksum")

// IsV3Address reports whether s has the v3 onion format: exactly 56 lowercase
// base32 characters followed by ".onion". Only the format is checked.
func IsV3Address(s string) bool {
	return onionV3Pattern.MatchString(s)
}

// IsV2Address reports whether s has the deprecated v2 onion format.
func IsV2Address(s string) bool {
	return onionV2Pattern.MatchString(s)
}

// IsValidV3Address checks the v3 format and additionally verifies the embedded
// version byte and checksum, the same way Tor does before connecting.
func IsValidV3Address(s string) bool {
	if !IsV3Address(s) {
		return false
	}

	label := strings.TrimSuffix(s, OnionSuffix)
	decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(label))
	if err != nil {
		return false
	}

	// 32 bytes ed25519 public key, 2 bytes checksum, 1 byte version.
	if len(decoded) != 35 {
		return false
	}
	pubkey := decoded[:32]
	checksum := decoded[32:34]
	version := decoded[34]
	if version != OnionV3Version {
		return false
	}

	expected := computeV3Checksum(pubkey, version)
	return checksum[0] == expected[0] && checksum[1] == expected[1]
}

// computeV3Checksum returns the first 2 bytes of
// SHA3-256(".onion checksum" || pubkey || version).
func computeV3Checksum(pubkey []byte, version byte) []byte {
	data := make([]byte, 0, len(checksumPrefix)+len(pubkey)+1)
	data = append(data, checksumPrefix...)
	data = append(data, pubkey...)
	data = append(data, version)

	hash := sha3.Sum256(data)
	return hash[:2]
}

// ComputeV3AddressFromPublicKey derives the v3 onion hostname for an ed25519
// public key.
func ComputeV3AddressFromPublicKey(pubkey []byte) (string, error) {
	if len(pubkey) != 32 {
		return "", ErrInvalidPublicKey
	}

	data := make([]byte, 35)
	copy(data[:32], pubkey)
	copy(data[32:34], computeV3Checksum(pubkey, OnionV3Version))
	data[34] = OnionV3Version

	encoded := base32.StdEncoding.EncodeToString(data)
	return strings.ToLower(encoded) + OnionSuffix, nil
}
