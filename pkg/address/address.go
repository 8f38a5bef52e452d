package address

import (
	"fmt"

	"github.com/Layr-Labs/kms-signer-go/pkg/der"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const rawPointLength = 64

// Derive returns the account address for a decoded public key: the low 20
// bytes of keccak256(X||Y). The key must carry a 64 byte point; anything else
// is a caller bug and panics.
func Derive(pk *der.PublicKey) common.Address {
	if pk == nil || len(pk.Point) != rawPointLength {
		panic(fmt.Sprintf("address: expected %d byte public key point", rawPointLength))
	}
	return common.BytesToAddress(crypto.Keccak256(pk.Point)[12:])
}

// Checksum returns the EIP-55 mixed-case form of the address.
func Checksum(addr common.Address) string {
	return addr.Hex()
}

// Equal compares two addresses given in any hex casing.
func Equal(a string, b common.Address) bool {
	if !common.IsHexAddress(a) {
		return false
	}
	return common.HexToAddress(a) == b
}
