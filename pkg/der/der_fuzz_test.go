package der

import (
	"encoding/hex"
	"testing"
)

func FuzzDecodeSignature(f *testing.F) {
	seed, _ := hex.DecodeString("3006020101020102")
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{0x30, 0x80})

	f.Fuzz(func(t *testing.T, data []byte) {
		sig, err := DecodeSignature(data)
		if err != nil {
			return
		}
		if sig.R.Sign() <= 0 || sig.S.Sign() <= 0 {
			t.Fatalf("decoded non-positive value from %x", data)
		}
		if sig.R.Cmp(secp256k1N) >= 0 || sig.S.Cmp(secp256k1N) >= 0 {
			t.Fatalf("decoded value outside the curve order from %x", data)
		}
	})
}

func FuzzDecodePublicKey(f *testing.F) {
	seed, _ := hex.DecodeString(spkiPrefix + "04" + generatorX + generatorY)
	f.Add(seed)
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		pk, err := DecodePublicKey(data)
		if err != nil {
			return
		}
		if len(pk.Point) != 64 {
			t.Fatalf("decoded %d byte point from %x", len(pk.Point), data)
		}
	})
}
