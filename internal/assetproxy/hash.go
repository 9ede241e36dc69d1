package assetproxy

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// originDomainKey keys the BLAKE3 hash used for origin addressing. Changing it
// orphans every stored record.
var originDomainKey = [32]byte{
	'a', 's', 's', 'e', 't', 'p', 'r', 'o', 'x', 'y', '.', 'o', 'r', 'i', 'g', 'i',
	'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashOrigin returns the hex-encoded 256-bit keyed BLAKE3 digest of originURL.
func HashOrigin(originURL string) string {
	h, err := blake3.NewKeyed(originDomainKey[:])
	if err != nil {
		panic("assetproxy: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write([]byte(originURL))
	return hex.EncodeToString(h.Sum(nil))
}
