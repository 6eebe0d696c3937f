/*
Package attestation derives per-device symmetric credentials from a shared
group enrollment secret.

The provisioning service knows the same group secret and repeats the
derivation on its side, so a device can prove possession of its attestation
key without the group secret ever crossing the network.
*/
package attestation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidKeyEncoding is returned when an enrollment key cannot be decoded
// from its base64 transport representation.
var ErrInvalidKeyEncoding = errors.New("attestation: invalid key encoding")

// Credential holds the derived primary and secondary attestation keys for one
// device. The primary key authenticates the live session; the secondary key is
// kept only as a backup enrollment factor.
type Credential struct {
	DeviceID     string
	PrimaryKey   []byte
	SecondaryKey []byte
}

// DeriveKey computes the device-specific attestation key: HMAC-SHA256 keyed by
// the group enrollment key, applied to the UTF-8 bytes of the device identifier.
// The derivation is deterministic, identical inputs always yield identical keys.
func DeriveKey(enrollmentKey []byte, deviceID string) []byte {
	mac := hmac.New(sha256.New, enrollmentKey)
	mac.Write([]byte(deviceID))
	return mac.Sum(nil)
}

// DeriveCredential decodes the base64-encoded primary and secondary group
// enrollment keys and derives the attestation credential for the device.
// Returns ErrInvalidKeyEncoding when either key is not valid base64.
func DeriveCredential(primaryEnrollmentKey, secondaryEnrollmentKey, deviceID string) (Credential, error) {
	primary, err := base64.StdEncoding.DecodeString(primaryEnrollmentKey)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: primary key: %s", ErrInvalidKeyEncoding, err)
	}
	secondary, err := base64.StdEncoding.DecodeString(secondaryEnrollmentKey)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: secondary key: %s", ErrInvalidKeyEncoding, err)
	}
	return Credential{
		DeviceID:     deviceID,
		PrimaryKey:   DeriveKey(primary, deviceID),
		SecondaryKey: DeriveKey(secondary, deviceID),
	}, nil
}
