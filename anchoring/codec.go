package anchoring

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/csales1987/exonum-btc-anchoring/lect"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/csales1987/exonum-btc-anchoring/transition"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// maxListLen bounds the number of elements of a decoded list.
	maxListLen = 1 << 16

	// maxElementLen bounds a single variable length element.
	maxElementLen = 1 << 20
)

// ErrMalformed is returned for encoded data that cannot be decoded.
var ErrMalformed = errors.New("malformed anchoring encoding")

func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func decodeStream(data []byte, records ...tlv.Record) (tlv.TypeMap, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	return stream.DecodeWithParsedTypes(bytes.NewReader(data))
}

// list helpers

func writeCount(w io.Writer, n int) error {
	return wire.WriteVarInt(w, 0, uint64(n))
}

func readCount(r io.Reader) (int, error) {
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return 0, err
	}
	if n > maxListLen {
		return 0, fmt.Errorf("%w: list of %d elements", ErrMalformed,
			n)
	}

	return int(n), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	return wire.ReadVarBytes(r, 0, maxElementLen, "element")
}

func encodeTxs(txs []*wire.MsgTx) ([]byte, error) {
	var b bytes.Buffer
	if err := writeCount(&b, len(txs)); err != nil {
		return nil, err
	}
	for _, tx := range txs {
		if err := tx.Serialize(&b); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

func readTxs(r io.Reader) ([]*wire.MsgTx, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	txs := make([]*wire.MsgTx, 0, n)
	for i := 0; i < n; i++ {
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(r); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

func decodeTxs(data []byte) ([]*wire.MsgTx, error) {
	return readTxs(bytes.NewReader(data))
}

func encodeTx(tx *wire.MsgTx) ([]byte, error) {
	var b bytes.Buffer
	if err := tx.Serialize(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func decodeTx(data []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	return tx, nil
}

func encodeOutputs(outs []anchortx.SpentOutput) ([]byte, error) {
	var b bytes.Buffer
	if err := writeCount(&b, len(outs)); err != nil {
		return nil, err
	}
	for _, out := range outs {
		b.Write(out.OutPoint.Hash[:])

		var scratch [12]byte
		binary.BigEndian.PutUint32(scratch[:4], out.OutPoint.Index)
		binary.BigEndian.PutUint64(scratch[4:], uint64(out.Value))
		b.Write(scratch[:])

		if err := wire.WriteVarBytes(&b, 0, out.PkScript); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

func decodeOutputs(data []byte) ([]anchortx.SpentOutput, error) {
	r := bytes.NewReader(data)
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	outs := make([]anchortx.SpentOutput, 0, n)
	for i := 0; i < n; i++ {
		var (
			out     anchortx.SpentOutput
			scratch [12]byte
		)
		if _, err := io.ReadFull(r, out.OutPoint.Hash[:]); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		out.OutPoint.Index = binary.BigEndian.Uint32(scratch[:4])
		out.Value = btcutil.Amount(binary.BigEndian.Uint64(scratch[4:]))

		if out.PkScript, err = readBytes(r); err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}

	return outs, nil
}

// config

func encodeConfig(cfg *multisig.ValidatorSetConfig) ([]byte, error) {
	var (
		threshold  = cfg.Threshold
		quorum     = cfg.LectQuorum
		activation = cfg.ActivationHeight
		keys       []byte
	)
	for _, key := range cfg.PubKeys {
		keys = append(keys, key.SerializeCompressed()...)
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(0, &threshold),
		tlv.MakePrimitiveRecord(2, &quorum),
		tlv.MakePrimitiveRecord(4, &activation),
		tlv.MakePrimitiveRecord(6, &keys),
	}

	if tx, ok := optionValue(cfg.FundingTx); ok {
		funding, err := encodeTx(tx)
		if err != nil {
			return nil, err
		}
		records = append(records, tlv.MakePrimitiveRecord(9, &funding))
	}

	return encodeStream(records...)
}

func decodeConfig(data []byte) (*multisig.ValidatorSetConfig, error) {
	var (
		cfg     multisig.ValidatorSetConfig
		keys    []byte
		funding []byte
	)
	parsed, err := decodeStream(data,
		tlv.MakePrimitiveRecord(0, &cfg.Threshold),
		tlv.MakePrimitiveRecord(2, &cfg.LectQuorum),
		tlv.MakePrimitiveRecord(4, &cfg.ActivationHeight),
		tlv.MakePrimitiveRecord(6, &keys),
		tlv.MakePrimitiveRecord(9, &funding),
	)
	if err != nil {
		return nil, err
	}

	if len(keys)%btcec.PubKeyBytesLenCompressed != 0 {
		return nil, fmt.Errorf("%w: key list of %d bytes", ErrMalformed,
			len(keys))
	}
	for len(keys) > 0 {
		key, err := btcec.ParsePubKey(
			keys[:btcec.PubKeyBytesLenCompressed],
		)
		if err != nil {
			return nil, err
		}
		cfg.PubKeys = append(cfg.PubKeys, key)
		keys = keys[btcec.PubKeyBytesLenCompressed:]
	}

	cfg.FundingTx = fn.None[*wire.MsgTx]()
	if _, ok := parsed[9]; ok {
		tx, err := decodeTx(funding)
		if err != nil {
			return nil, err
		}
		cfg.FundingTx = fn.Some(tx)
	}

	return &cfg, nil
}

func encodeConfigs(cfgs []*multisig.ValidatorSetConfig) ([]byte, error) {
	var b bytes.Buffer
	if err := writeCount(&b, len(cfgs)); err != nil {
		return nil, err
	}
	for _, cfg := range cfgs {
		blob, err := encodeConfig(cfg)
		if err != nil {
			return nil, err
		}
		if err := wire.WriteVarBytes(&b, 0, blob); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

func decodeConfigs(data []byte) ([]*multisig.ValidatorSetConfig, error) {
	r := bytes.NewReader(data)
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	cfgs := make([]*multisig.ValidatorSetConfig, 0, n)
	for i := 0; i < n; i++ {
		blob, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		cfg, err := decodeConfig(blob)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}

	return cfgs, nil
}

// signatures

func writeSigs(w io.Writer, sigs [][]byte) error {
	if err := writeCount(w, len(sigs)); err != nil {
		return err
	}
	for _, sig := range sigs {
		if err := wire.WriteVarBytes(w, 0, sig); err != nil {
			return err
		}
	}

	return nil
}

func readSigs(r io.Reader) ([][]byte, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	sigs := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		sig, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}

	return sigs, nil
}

// claims

func writeClaim(w io.Writer, c lect.Claim) error {
	var scratch [16]byte
	binary.BigEndian.PutUint32(scratch[:4], c.Validator)
	binary.BigEndian.PutUint32(scratch[4:8], c.Depth)
	binary.BigEndian.PutUint64(scratch[8:], c.Epoch)
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	if _, err := w.Write(c.TxID[:]); err != nil {
		return err
	}

	path, err := encodeTxs(c.Path)
	if err != nil {
		return err
	}

	return wire.WriteVarBytes(w, 0, path)
}

func readClaim(r io.Reader) (lect.Claim, error) {
	var (
		c       lect.Claim
		scratch [16]byte
	)
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return c, err
	}
	c.Validator = binary.BigEndian.Uint32(scratch[:4])
	c.Depth = binary.BigEndian.Uint32(scratch[4:8])
	c.Epoch = binary.BigEndian.Uint64(scratch[8:])

	if _, err := io.ReadFull(r, c.TxID[:]); err != nil {
		return c, err
	}

	path, err := readBytes(r)
	if err != nil {
		return c, err
	}
	c.Path, err = decodeTxs(path)

	return c, err
}

func encodeClaims(t lect.Table) ([]byte, error) {
	var b bytes.Buffer
	if err := writeCount(&b, len(t)); err != nil {
		return nil, err
	}
	for idx := uint32(0); idx < multisig.MaxValidators; idx++ {
		claim, ok := t[idx]
		if !ok {
			continue
		}
		if err := writeClaim(&b, claim); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

func decodeClaims(data []byte) (lect.Table, error) {
	r := bytes.NewReader(data)
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}

	t := make(lect.Table, n)
	for i := 0; i < n; i++ {
		claim, err := readClaim(r)
		if err != nil {
			return nil, err
		}
		t[claim.Validator] = claim
	}

	return t, nil
}

// proposals

// EncodeProposal serializes a proposal.
func EncodeProposal(p *sigcollect.Proposal) ([]byte, error) {
	var (
		id           = [32]byte(p.ID)
		kind         = uint8(p.Kind)
		epoch        = p.Epoch
		created      = p.CreatedHeight
		state        = uint8(p.State)
		payload      = p.Payload.Encode()
		destination  = p.Destination
		abandonedFor = []byte(p.AbandonReason)
	)

	unsigned, err := encodeTx(p.UnsignedTx)
	if err != nil {
		return nil, err
	}
	inputs, err := encodeOutputs(p.Inputs)
	if err != nil {
		return nil, err
	}

	var sigBuf bytes.Buffer
	if err := writeCount(&sigBuf, len(p.Signatures)); err != nil {
		return nil, err
	}
	for idx := uint32(0); idx < multisig.MaxValidators; idx++ {
		sigs, ok := p.Signatures[idx]
		if !ok {
			continue
		}

		var scratch [4]byte
		binary.BigEndian.PutUint32(scratch[:], idx)
		sigBuf.Write(scratch[:])
		if err := writeSigs(&sigBuf, sigs); err != nil {
			return nil, err
		}
	}
	sigs := sigBuf.Bytes()

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(0, &id),
		tlv.MakePrimitiveRecord(2, &kind),
		tlv.MakePrimitiveRecord(4, &epoch),
		tlv.MakePrimitiveRecord(6, &created),
		tlv.MakePrimitiveRecord(8, &unsigned),
		tlv.MakePrimitiveRecord(10, &inputs),
		tlv.MakePrimitiveRecord(12, &payload),
		tlv.MakePrimitiveRecord(14, &destination),
		tlv.MakePrimitiveRecord(16, &sigs),
		tlv.MakePrimitiveRecord(18, &state),
		tlv.MakePrimitiveRecord(20, &abandonedFor),
	}

	if tx, ok := optionValue(p.FinalTx); ok {
		final, err := encodeTx(tx)
		if err != nil {
			return nil, err
		}
		records = append(records, tlv.MakePrimitiveRecord(23, &final))
	}

	return encodeStream(records...)
}

// DecodeProposal parses a proposal serialized by EncodeProposal.
func DecodeProposal(data []byte) (*sigcollect.Proposal, error) {
	var (
		id                        [32]byte
		kind, state               uint8
		epoch, created            uint64
		unsigned, inputs, payload []byte
		destination, sigs         []byte
		abandonedFor, final       []byte
	)
	parsed, err := decodeStream(data,
		tlv.MakePrimitiveRecord(0, &id),
		tlv.MakePrimitiveRecord(2, &kind),
		tlv.MakePrimitiveRecord(4, &epoch),
		tlv.MakePrimitiveRecord(6, &created),
		tlv.MakePrimitiveRecord(8, &unsigned),
		tlv.MakePrimitiveRecord(10, &inputs),
		tlv.MakePrimitiveRecord(12, &payload),
		tlv.MakePrimitiveRecord(14, &destination),
		tlv.MakePrimitiveRecord(16, &sigs),
		tlv.MakePrimitiveRecord(18, &state),
		tlv.MakePrimitiveRecord(20, &abandonedFor),
		tlv.MakePrimitiveRecord(23, &final),
	)
	if err != nil {
		return nil, err
	}

	p := &sigcollect.Proposal{
		ID:            chainhash.Hash(id),
		Kind:          sigcollect.Kind(kind),
		Epoch:         epoch,
		CreatedHeight: created,
		Destination:   destination,
		Signatures:    make(map[uint32][][]byte),
		State:         sigcollect.State(state),
		FinalTx:       fn.None[*wire.MsgTx](),
		AbandonReason: string(abandonedFor),
	}

	if p.UnsignedTx, err = decodeTx(unsigned); err != nil {
		return nil, err
	}
	if p.Inputs, err = decodeOutputs(inputs); err != nil {
		return nil, err
	}
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("%w: proposal without inputs",
			ErrMalformed)
	}
	if p.Payload, err = checkpoint.Decode(payload); err != nil {
		return nil, err
	}

	r := bytes.NewReader(sigs)
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		var scratch [4]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		validatorSigs, err := readSigs(r)
		if err != nil {
			return nil, err
		}
		p.Signatures[binary.BigEndian.Uint32(scratch[:])] = validatorSigs
	}

	if _, ok := parsed[23]; ok {
		tx, err := decodeTx(final)
		if err != nil {
			return nil, err
		}
		p.FinalTx = fn.Some(tx)
	}

	return p, nil
}

// messages

// EncodeMessage writes msg as its type byte followed by a tlv stream.
func EncodeMessage(w io.Writer, msg Message) error {
	var (
		body []byte
		err  error
	)
	switch msg := msg.(type) {
	case *CheckpointMsg:
		height, hash := msg.Height, [32]byte(msg.StateHash)
		body, err = encodeStream(
			tlv.MakePrimitiveRecord(0, &height),
			tlv.MakePrimitiveRecord(2, &hash),
		)

	case *SignatureMsg:
		id, validator := [32]byte(msg.ProposalID), msg.Validator

		var b bytes.Buffer
		if err := writeSigs(&b, msg.Sigs); err != nil {
			return err
		}
		sigs := b.Bytes()

		body, err = encodeStream(
			tlv.MakePrimitiveRecord(0, &id),
			tlv.MakePrimitiveRecord(2, &validator),
			tlv.MakePrimitiveRecord(4, &sigs),
		)

	case *LectMsg:
		var b bytes.Buffer
		if err := writeClaim(&b, msg.Claim); err != nil {
			return err
		}
		claim := b.Bytes()

		body, err = encodeStream(tlv.MakePrimitiveRecord(0, &claim))

	case *StageConfigMsg:
		var cfg []byte
		if cfg, err = encodeConfig(msg.Config); err != nil {
			return err
		}
		body, err = encodeStream(tlv.MakePrimitiveRecord(0, &cfg))

	case *FundingMsg:
		var tx []byte
		if tx, err = encodeTx(msg.Tx); err != nil {
			return err
		}
		body, err = encodeStream(tlv.MakePrimitiveRecord(0, &tx))

	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte{byte(msg.MsgType())}); err != nil {
		return err
	}
	_, err = w.Write(body)

	return err
}

// DecodeMessage reads a message written by EncodeMessage. The reader must
// contain exactly one message.
func DecodeMessage(r io.Reader) (Message, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	switch MessageType(typ[0]) {
	case MsgCheckpoint:
		var (
			msg  CheckpointMsg
			hash [32]byte
		)
		_, err := decodeStream(body,
			tlv.MakePrimitiveRecord(0, &msg.Height),
			tlv.MakePrimitiveRecord(2, &hash),
		)
		msg.StateHash = chainhash.Hash(hash)

		return &msg, err

	case MsgSignature:
		var (
			msg  SignatureMsg
			id   [32]byte
			sigs []byte
		)
		_, err := decodeStream(body,
			tlv.MakePrimitiveRecord(0, &id),
			tlv.MakePrimitiveRecord(2, &msg.Validator),
			tlv.MakePrimitiveRecord(4, &sigs),
		)
		if err != nil {
			return nil, err
		}
		msg.ProposalID = chainhash.Hash(id)
		msg.Sigs, err = readSigs(bytes.NewReader(sigs))

		return &msg, err

	case MsgLect:
		var claim []byte
		_, err := decodeStream(body, tlv.MakePrimitiveRecord(0, &claim))
		if err != nil {
			return nil, err
		}
		c, err := readClaim(bytes.NewReader(claim))
		if err != nil {
			return nil, err
		}

		return &LectMsg{Claim: c}, nil

	case MsgStageConfig:
		var blob []byte
		_, err := decodeStream(body, tlv.MakePrimitiveRecord(0, &blob))
		if err != nil {
			return nil, err
		}
		cfg, err := decodeConfig(blob)
		if err != nil {
			return nil, err
		}

		return &StageConfigMsg{Config: cfg}, nil

	case MsgFunding:
		var blob []byte
		_, err := decodeStream(body, tlv.MakePrimitiveRecord(0, &blob))
		if err != nil {
			return nil, err
		}
		tx, err := decodeTx(blob)
		if err != nil {
			return nil, err
		}

		return &FundingMsg{Tx: tx}, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage,
			MessageType(typ[0]))
	}
}

// state

// EncodeState writes the full replicated state.
func EncodeState(w io.Writer, s *ChainState) error {
	var (
		epoch        = s.Epoch
		ledgerHeight = s.LedgerHeight
		ledgerHash   = [32]byte(s.LedgerHash)
		status       = uint8(s.Status)
		live         = uint32(s.Live)
		haltReason   = []byte(s.HaltReason)
	)

	cfg, err := encodeConfig(s.Config)
	if err != nil {
		return err
	}

	knownTxs := make([]*wire.MsgTx, 0, len(s.Known))
	for _, txid := range s.knownTxIDs() {
		knownTxs = append(knownTxs, s.Known[txid])
	}
	known, err := encodeTxs(knownTxs)
	if err != nil {
		return err
	}
	funding, err := encodeOutputs(s.Funding)
	if err != nil {
		return err
	}
	claims, err := encodeClaims(s.Claims)
	if err != nil {
		return err
	}
	recent, err := encodeConfigs(s.Recent)
	if err != nil {
		return err
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(0, &epoch),
		tlv.MakePrimitiveRecord(2, &cfg),
		tlv.MakePrimitiveRecord(4, &ledgerHeight),
		tlv.MakePrimitiveRecord(6, &ledgerHash),
		tlv.MakePrimitiveRecord(8, &status),
		tlv.MakePrimitiveRecord(10, &known),
		tlv.MakePrimitiveRecord(12, &funding),
		tlv.MakePrimitiveRecord(14, &claims),
		tlv.MakePrimitiveRecord(16, &live),
		tlv.MakePrimitiveRecord(18, &recent),
		tlv.MakePrimitiveRecord(20, &haltReason),
	}

	if next, ok := optionValue(s.Following); ok {
		following, err := encodeConfig(next)
		if err != nil {
			return err
		}
		records = append(
			records, tlv.MakePrimitiveRecord(21, &following),
		)
	}
	if tip, ok := optionValue(s.Tip); ok {
		tipID, tipKind := [32]byte(tip.TxID), uint8(tip.Kind)
		records = append(records,
			tlv.MakePrimitiveRecord(23, &tipID),
			tlv.MakePrimitiveRecord(25, &tipKind),
		)
	}
	if payload, ok := optionValue(s.LastAnchored); ok {
		anchored := payload.Encode()
		records = append(
			records, tlv.MakePrimitiveRecord(27, &anchored),
		)
	}
	if p, ok := optionValue(s.Active); ok {
		active, err := EncodeProposal(p)
		if err != nil {
			return err
		}
		records = append(records, tlv.MakePrimitiveRecord(29, &active))
	}
	if start, ok := optionValue(s.TransitionStart); ok {
		records = append(records, tlv.MakePrimitiveRecord(31, &start))
	}

	body, err := encodeStream(records...)
	if err != nil {
		return err
	}
	_, err = w.Write(body)

	return err
}

// DecodeState reads a state written by EncodeState.
func DecodeState(r io.Reader) (*ChainState, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var (
		s                             ChainState
		ledgerHash, tipID             [32]byte
		status, tipKind               uint8
		live                          uint32
		start                         uint64
		cfg, known, funding, claims   []byte
		recent, haltReason, following []byte
		anchored, active              []byte
	)
	parsed, err := decodeStream(data,
		tlv.MakePrimitiveRecord(0, &s.Epoch),
		tlv.MakePrimitiveRecord(2, &cfg),
		tlv.MakePrimitiveRecord(4, &s.LedgerHeight),
		tlv.MakePrimitiveRecord(6, &ledgerHash),
		tlv.MakePrimitiveRecord(8, &status),
		tlv.MakePrimitiveRecord(10, &known),
		tlv.MakePrimitiveRecord(12, &funding),
		tlv.MakePrimitiveRecord(14, &claims),
		tlv.MakePrimitiveRecord(16, &live),
		tlv.MakePrimitiveRecord(18, &recent),
		tlv.MakePrimitiveRecord(20, &haltReason),
		tlv.MakePrimitiveRecord(21, &following),
		tlv.MakePrimitiveRecord(23, &tipID),
		tlv.MakePrimitiveRecord(25, &tipKind),
		tlv.MakePrimitiveRecord(27, &anchored),
		tlv.MakePrimitiveRecord(29, &active),
		tlv.MakePrimitiveRecord(31, &start),
	)
	if err != nil {
		return nil, err
	}

	s.LedgerHash = chainhash.Hash(ledgerHash)
	s.Status = Status(status)
	s.Live = transition.Liveness(live)
	s.HaltReason = string(haltReason)

	if s.Config, err = decodeConfig(cfg); err != nil {
		return nil, err
	}

	txs, err := decodeTxs(known)
	if err != nil {
		return nil, err
	}
	s.Known = make(map[chainhash.Hash]*wire.MsgTx, len(txs))
	for _, tx := range txs {
		s.Known[tx.TxHash()] = tx
	}

	if s.Funding, err = decodeOutputs(funding); err != nil {
		return nil, err
	}
	if s.Claims, err = decodeClaims(claims); err != nil {
		return nil, err
	}
	if s.Recent, err = decodeConfigs(recent); err != nil {
		return nil, err
	}

	s.Following = fn.None[*multisig.ValidatorSetConfig]()
	if _, ok := parsed[21]; ok {
		next, err := decodeConfig(following)
		if err != nil {
			return nil, err
		}
		s.Following = fn.Some(next)
	}

	s.Tip = fn.None[TipInfo]()
	if _, ok := parsed[23]; ok {
		txid := chainhash.Hash(tipID)
		tx, ok := s.Known[txid]
		if !ok {
			return nil, fmt.Errorf("%w: tip %v is not known",
				ErrMalformed, txid)
		}
		s.Tip = fn.Some(TipInfo{
			TxID: txid,
			Tx:   tx,
			Kind: anchortx.Kind(tipKind),
		})
	}

	s.LastAnchored = fn.None[checkpoint.Payload]()
	if _, ok := parsed[27]; ok {
		payload, err := checkpoint.Decode(anchored)
		if err != nil {
			return nil, err
		}
		s.LastAnchored = fn.Some(payload)
	}

	s.Active = fn.None[*sigcollect.Proposal]()
	if _, ok := parsed[29]; ok {
		p, err := DecodeProposal(active)
		if err != nil {
			return nil, err
		}
		s.Active = fn.Some(p)
	}

	s.TransitionStart = fn.None[uint64]()
	if _, ok := parsed[31]; ok {
		s.TransitionStart = fn.Some(start)
	}

	return &s, nil
}

// optionValue unpacks an option into the comma-ok form.
func optionValue[T any](o fn.Option[T]) (T, bool) {
	var zero T
	return o.UnwrapOr(zero), o.IsSome()
}
