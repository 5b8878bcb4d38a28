// Package link derives content-addressed identifiers for signed objects.
//
// A link identifies one exact object version: it is a CIDv1 over the raw
// object bytes using a sha2-256 multihash. A permalink is the link of the
// object's first version and stays stable across the version history.
package link

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// FromBytes returns the content-addressed link for data.
func FromBytes(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash object bytes: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Valid reports whether s parses as a content-addressed link.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	_, err := cid.Decode(s)
	return err == nil
}
