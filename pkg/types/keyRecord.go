package types

import "time"

// KeyRecord is the cached public metadata of a custody key. PublicKeyDER is
// the authoritative field; Address is informational and always re-derived
// from the public key when a record is loaded.
type KeyRecord struct {
	KeyId        string    `json:"keyId"`
	PublicKeyDER []byte    `json:"publicKeyDer"`
	Address      string    `json:"address"`
	FetchedAt    time.Time `json:"fetchedAt"`
}

// Clone returns a deep copy of the record.
func (kr *KeyRecord) Clone() *KeyRecord {
	if kr == nil {
		return nil
	}
	out := *kr
	out.PublicKeyDER = append([]byte(nil), kr.PublicKeyDER...)
	return &out
}
