package types

import (
	"encoding/base64"
	"encoding/binary"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

const idBase64Unpadded = 11

// IdGenerator produces server-assigned item ids: snowflake sequences
// passed through XTEA so ids look random instead of sequential.
type IdGenerator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// Init initialises the generator with a worker id and a 16-byte key.
func (ig *IdGenerator) Init(workerID uint, key []byte) error {
	var err error

	if ig.seq == nil {
		ig.seq, err = sf.NewSnowFlake(uint32(workerID))
	}
	if ig.cipher == nil {
		ig.cipher, err = xtea.NewCipher(key)
	}

	return err
}

// Next returns a new unique id as an 11-character base64 string, or ""
// if the generator failed.
func (ig *IdGenerator) Next() string {
	id, err := ig.seq.Next()
	if err != nil {
		return ""
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	ig.cipher.Encrypt(dst, src)

	return base64.URLEncoding.EncodeToString(dst)[:idBase64Unpadded]
}
