// Package checkpoint defines the commitment that every anchoring transaction
// carries in its data output.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// Version is the current version of the commitment format.
	Version byte = 0x01

	// PayloadSize is the size of an encoded payload: magic, version,
	// height and state hash.
	PayloadSize = len(Magic) + 1 + 8 + chainhash.HashSize

	// OutputIndex is the position of the commitment output in an
	// anchoring transaction.
	OutputIndex = 1
)

// Magic is the marker that prefixes every commitment.
var Magic = [4]byte{'A', 'N', 'C', 'R'}

var (
	// ErrNotCommitment is returned when a script is not a data carrying
	// output with a single push.
	ErrNotCommitment = errors.New("script is not a commitment output")

	// ErrBadMagic is returned when the data does not start with Magic.
	ErrBadMagic = errors.New("commitment has wrong magic")

	// ErrUnknownVersion is returned for commitments of a version this
	// code does not understand.
	ErrUnknownVersion = errors.New("unknown commitment version")
)

// Payload is a ledger checkpoint: a height and the state hash at that height.
type Payload struct {
	Height    uint64
	StateHash chainhash.Hash
}

// String returns a short human readable form of the payload.
func (p Payload) String() string {
	return fmt.Sprintf("checkpoint(height=%d, hash=%v)", p.Height,
		p.StateHash)
}

// IsZero returns true for the empty payload used when nothing has been
// anchored yet.
func (p Payload) IsZero() bool {
	return p.Height == 0 && p.StateHash == chainhash.Hash{}
}

// Encode serializes the payload into its fixed size commitment form.
func (p Payload) Encode() []byte {
	var b bytes.Buffer
	b.Grow(PayloadSize)

	b.Write(Magic[:])
	b.WriteByte(Version)

	var height [8]byte
	binary.BigEndian.PutUint64(height[:], p.Height)
	b.Write(height[:])
	b.Write(p.StateHash[:])

	return b.Bytes()
}

// Decode parses a commitment produced by Encode.
func Decode(data []byte) (Payload, error) {
	var p Payload

	if len(data) != PayloadSize {
		return p, fmt.Errorf("%w: %d bytes, want %d", ErrNotCommitment,
			len(data), PayloadSize)
	}
	if !bytes.Equal(data[:len(Magic)], Magic[:]) {
		return p, ErrBadMagic
	}

	data = data[len(Magic):]
	if data[0] != Version {
		return p, fmt.Errorf("%w: %d", ErrUnknownVersion, data[0])
	}
	data = data[1:]

	p.Height = binary.BigEndian.Uint64(data[:8])
	copy(p.StateHash[:], data[8:])

	return p, nil
}

// Script returns the OP_RETURN output script carrying the payload.
func (p Payload) Script() ([]byte, error) {
	return txscript.NullDataScript(p.Encode())
}

// TxOut returns the zero value data output carrying the payload.
func (p Payload) TxOut() (*wire.TxOut, error) {
	script, err := p.Script()
	if err != nil {
		return nil, err
	}

	return wire.NewTxOut(0, script), nil
}

// FromScript extracts the payload from an OP_RETURN output script.
func FromScript(pkScript []byte) (Payload, error) {
	if txscript.GetScriptClass(pkScript) != txscript.NullDataTy {
		return Payload{}, ErrNotCommitment
	}

	pushes, err := txscript.PushedData(pkScript)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNotCommitment, err)
	}
	if len(pushes) != 1 {
		return Payload{}, ErrNotCommitment
	}

	return Decode(pushes[0])
}

// FromTx extracts the payload carried by an anchoring transaction.
func FromTx(tx *wire.MsgTx) (Payload, error) {
	if len(tx.TxOut) <= OutputIndex {
		return Payload{}, ErrNotCommitment
	}

	return FromScript(tx.TxOut[OutputIndex].PkScript)
}
