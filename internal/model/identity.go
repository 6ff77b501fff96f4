package model

import "strings"

// Identity is a participant's ledger identity (an account address).
type Identity string

// NoIdentity is the absent identity.
const NoIdentity Identity = ""

// NormalizeIdentity trims surrounding whitespace. Case is preserved: commitments are
// computed by clients over the identity exactly as issued.
func NormalizeIdentity(s string) Identity {
	return Identity(strings.TrimSpace(s))
}

func (i Identity) IsZero() bool { return i == NoIdentity }

func (i Identity) Bytes() []byte { return []byte(i) }

func (i Identity) String() string { return string(i) }

// Coordinates is a WGS84 latitude/longitude pair in degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is within WGS84 bounds.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}
