package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/atomicfile"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/crypto/ed25519"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
)

const (
	// MaxChainIDLen is a maximum length of the chain ID.
	MaxChainIDLen = 50
)

//------------------------------------------------------------
// core types for a genesis definition

// GenesisValidator is an initial producer/validator. Weight seeds its
// candidacy for the first election.
type GenesisValidator struct {
	Address crypto.Address   `json:"address"`
	PubKey  tmbytes.HexBytes `json:"pub_key"`
	Weight  int64            `json:"weight"`
	Name    string           `json:"name"`
}

// GenesisDoc defines the initial conditions for a chain: its first roster
// and the authority allowed to register and unregister candidates.
type GenesisDoc struct {
	GenesisTime time.Time          `json:"genesis_time"`
	ChainID     string             `json:"chain_id"`
	Validators  []GenesisValidator `json:"validators"`
	Authority   tmbytes.HexBytes   `json:"authority"`
	StateHash   tmbytes.HexBytes   `json:"state_hash"`
}

// SaveAs is a utility method for saving GenesisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := json.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	_, err = atomicfile.WriteAll(file, bytes.NewReader(genDocBytes), 0644)
	return err
}

// ValidateAndComplete checks that all necessary fields are present
// and fills in defaults for optional fields left empty
func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.ChainID) > MaxChainIDLen {
		return fmt.Errorf("chain_id in genesis doc is too long (max: %d)", MaxChainIDLen)
	}
	if len(genDoc.Validators) == 0 {
		return errors.New("genesis doc must include at least one validator")
	}
	if _, err := ed25519.PubKeyFromBytes(genDoc.Authority); err != nil {
		return fmt.Errorf("invalid authority key: %w", err)
	}

	for i, v := range genDoc.Validators {
		pk, err := ed25519.PubKeyFromBytes(v.PubKey)
		if err != nil {
			return fmt.Errorf("invalid key for genesis validator #%d: %w", i, err)
		}
		if v.Weight < 0 {
			return fmt.Errorf("the genesis file cannot contain validators with negative weight: %v", v.Name)
		}
		if len(v.Address) > 0 && !bytes.Equal(pk.Address(), v.Address) {
			return fmt.Errorf("incorrect address for validator %v in the genesis file, should be %v", v.Name, pk.Address())
		}
		if len(v.Address) == 0 {
			genDoc.Validators[i].Address = pk.Address()
		}
	}

	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = time.Now().UTC().Truncate(time.Second)
	}

	return nil
}

// ValidatorSet returns the genesis roster in document order.
func (genDoc *GenesisDoc) ValidatorSet() (*ValidatorSet, error) {
	vals := make([]Validator, len(genDoc.Validators))
	for i, v := range genDoc.Validators {
		vals[i] = Validator{Address: v.Address, PubKey: v.PubKey}
	}
	return NewValidatorSet(vals)
}

// GenesisHeader derives the height-0 header.
func (genDoc *GenesisDoc) GenesisHeader() *Header {
	return &Header{
		Number:    0,
		Timestamp: genDoc.GenesisTime.Unix(),
		StateHash: genDoc.StateHash.Copy(),
	}
}

//------------------------------------------------------------
// Make genesis state from file

// GenesisDocFromJSON unmarshalls JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	if err := json.Unmarshal(jsonBlob, &genDoc); err != nil {
		return nil, err
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}

	return &genDoc, nil
}

// GenesisDocFromFile reads JSON data from a file and unmarshalls it into a GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := os.ReadFile(genDocFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read GenesisDoc file: %w", err)
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, fmt.Errorf("error reading GenesisDoc at %s: %w", genDocFile, err)
	}
	return genDoc, nil
}
