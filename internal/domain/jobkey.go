package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// JobKey is the hex BLAKE3 digest identifying one logical input.
type JobKey string

// jobKeyDomain separates job key hashes from any other BLAKE3 use.
var jobKeyDomain = [32]byte{
	'm', 'e', 'd', 'i', 'a', '-', 'p', 'i', 'p', 'e', 'l', 'i', 'n', 'e', '.',
	'j', 'o', 'b', '-', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// NewJobKey hashes (collection, key, version). Each field is length
// prefixed so distinct tuples never share an encoding.
func NewJobKey(collection, key, version string) JobKey {
	hasher, err := blake3.NewKeyed(jobKeyDomain[:])
	if err != nil {
		panic(fmt.Sprintf("domain: blake3 keyed hasher: %v", err))
	}

	var length [8]byte
	for _, field := range []string{collection, key, version} {
		binary.BigEndian.PutUint64(length[:], uint64(len(field)))
		_, _ = hasher.Write(length[:])
		_, _ = hasher.Write([]byte(field))
	}

	return JobKey(hex.EncodeToString(hasher.Sum(nil)))
}

// String returns the hex form of the key.
func (k JobKey) String() string {
	return string(k)
}

// Valid reports whether k looks like a job key produced by NewJobKey.
func (k JobKey) Valid() bool {
	if len(k) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(k))
	return err == nil
}
