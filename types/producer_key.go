package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/crypto/ed25519"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
	tmos "github.com/hybridchain/hybridchain/libs/os"
)

// ProducerKey is the persistent signing key a node produces, signs and
// attests with.
// TODO: encrypt on disk
type ProducerKey struct {
	Address crypto.Address  `json:"address"`
	PrivKey ed25519.PrivKey `json:"-"`
}

type producerKeyJSON struct {
	Address crypto.Address   `json:"address"`
	PubKey  tmbytes.HexBytes `json:"pub_key"`
	PrivKey tmbytes.HexBytes `json:"priv_key"`
}

func (pk ProducerKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(producerKeyJSON{
		Address: pk.Address,
		PubKey:  pk.PrivKey.PubKey().Bytes(),
		PrivKey: tmbytes.HexBytes(pk.PrivKey),
	})
}

func (pk *ProducerKey) UnmarshalJSON(data []byte) error {
	var raw producerKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.PrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size %d", len(raw.PrivKey))
	}
	pk.PrivKey = ed25519.PrivKey(raw.PrivKey)
	pk.Address = pk.PrivKey.PubKey().Address()
	return nil
}

// PubKey returns the producer's PubKey
func (pk ProducerKey) PubKey() crypto.PubKey {
	return pk.PrivKey.PubKey()
}

// SaveAs persists the ProducerKey to filePath.
func (pk ProducerKey) SaveAs(filePath string) error {
	jsonBytes, err := json.MarshalIndent(pk, "", "  ")
	if err != nil {
		return err
	}
	_, err = atomicfile.WriteAll(filePath, bytes.NewReader(jsonBytes), 0600)
	return err
}

// LoadOrGenProducerKey attempts to load the ProducerKey from the given
// filePath. If the file does not exist, it generates and saves a new one.
func LoadOrGenProducerKey(filePath string) (ProducerKey, error) {
	if tmos.FileExists(filePath) {
		return LoadProducerKey(filePath)
	}

	key := GenProducerKey()
	if err := key.SaveAs(filePath); err != nil {
		return ProducerKey{}, err
	}
	return key, nil
}

// GenProducerKey generates a new producer key.
func GenProducerKey() ProducerKey {
	privKey := ed25519.GenPrivKey()
	return ProducerKey{
		Address: privKey.PubKey().Address(),
		PrivKey: privKey,
	}
}

// LoadProducerKey loads the ProducerKey located in filePath.
func LoadProducerKey(filePath string) (ProducerKey, error) {
	jsonBytes, err := os.ReadFile(filePath)
	if err != nil {
		return ProducerKey{}, err
	}
	key := ProducerKey{}
	if err := json.Unmarshal(jsonBytes, &key); err != nil {
		return ProducerKey{}, err
	}
	return key, nil
}
