package assetproxy

import (
	"github.com/fxamacker/cbor/v2"
)

// Records and blob sidecars are CBOR with Core Deterministic Encoding, so the
// same record always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("assetproxy: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("assetproxy: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decodeCBOR(b []byte, v any) error {
	return decMode.Unmarshal(b, v)
}
