package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/csales1987/exonum-btc-anchoring/anchorcfg"
	"github.com/csales1987/exonum-btc-anchoring/anchordb"
	"github.com/csales1987/exonum-btc-anchoring/anchoring"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/urfave/cli"
)

func printJSON(w io.Writer, resp interface{}) error {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "%s\n", b)

	return err
}

func chainParams(ctx *cli.Context) (*chaincfg.Params, error) {
	return anchorcfg.ChainParams(ctx.GlobalString("network"))
}

var deriveAddressCommand = cli.Command{
	Name:      "derive-address",
	Category:  "Addresses",
	Usage:     "Derive the custodial address of a validator set.",
	ArgsUsage: "pubkey [pubkey...]",
	Description: `
	Builds the M-of-N redeem script from the given compressed public keys,
	in validator index order, and prints its P2SH address.`,
	Flags: []cli.Flag{
		cli.UintFlag{
			Name: "threshold",
			Usage: "the number of required signatures, a two " +
				"thirds majority if unset",
		},
	},
	Action: deriveAddress,
}

type addressResp struct {
	Address      string   `json:"address"`
	RedeemScript string   `json:"redeem_script"`
	PkScript     string   `json:"pk_script"`
	Threshold    uint32   `json:"threshold"`
	ScriptOrder  []uint32 `json:"script_order"`
}

func deriveAddress(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.ShowCommandHelp(ctx, "derive-address")
	}

	net, err := chainParams(ctx)
	if err != nil {
		return err
	}
	keys, err := anchorcfg.ParsePubKeys(ctx.Args())
	if err != nil {
		return err
	}

	threshold := uint32(ctx.Uint("threshold"))
	if threshold == 0 {
		threshold = multisig.MajorityCount(len(keys))
	}

	cfg := &multisig.ValidatorSetConfig{
		PubKeys:   keys,
		Threshold: threshold,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	addr, err := multisig.DeriveAddress(cfg, net)
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, &addressResp{
		Address:      addr.String(),
		RedeemScript: hex.EncodeToString(addr.RedeemScript),
		PkScript:     hex.EncodeToString(addr.PkScript),
		Threshold:    addr.Threshold,
		ScriptOrder:  addr.Order,
	})
}

var decodePayloadCommand = cli.Command{
	Name:      "decode-payload",
	Category:  "Transactions",
	Usage:     "Decode the checkpoint carried by a transaction.",
	ArgsUsage: "hex",
	Description: `
	Accepts either a serialized transaction or a single output script and
	prints the anchored ledger height and state hash.`,
	Action: decodePayload,
}

type payloadResp struct {
	Height    uint64 `json:"height"`
	StateHash string `json:"state_hash"`
}

func decodePayload(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "decode-payload")
	}

	var (
		payload checkpoint.Payload
		err     error
	)
	tx, txErr := anchorcfg.DecodeTx(ctx.Args().First())
	if txErr == nil {
		payload, err = checkpoint.FromTx(tx)
	} else {
		script, hexErr := hex.DecodeString(ctx.Args().First())
		if hexErr != nil {
			return hexErr
		}
		payload, err = checkpoint.FromScript(script)
	}
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, &payloadResp{
		Height:    payload.Height,
		StateHash: payload.StateHash.String(),
	})
}

var classifyTxCommand = cli.Command{
	Name:      "classify-tx",
	Category:  "Transactions",
	Usage:     "Tell whether a transaction belongs to the anchor chain.",
	ArgsUsage: "txhex address [address...]",
	Description: `
	Classifies the transaction as anchoring, funding or other relative to
	the given custodial addresses.`,
	Action: classifyTx,
}

type classifyResp struct {
	TxID    string `json:"txid"`
	Kind    string `json:"kind"`
	Payload string `json:"payload,omitempty"`
}

func classifyTx(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return cli.ShowCommandHelp(ctx, "classify-tx")
	}

	net, err := chainParams(ctx)
	if err != nil {
		return err
	}
	tx, err := anchorcfg.DecodeTx(ctx.Args().First())
	if err != nil {
		return err
	}

	var pkScripts [][]byte
	for _, encoded := range ctx.Args().Tail() {
		addr, err := btcutil.DecodeAddress(encoded, net)
		if err != nil {
			return err
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return err
		}
		pkScripts = append(pkScripts, pkScript)
	}

	kind := anchortx.Classify(tx, pkScripts...)
	resp := &classifyResp{
		TxID: tx.TxHash().String(),
		Kind: kind.String(),
	}
	if kind == anchortx.KindAnchoring {
		payload, err := checkpoint.FromTx(tx)
		if err != nil {
			return err
		}
		resp.Payload = payload.String()
	}

	return printJSON(ctx.App.Writer, resp)
}

var errNoActive = errors.New("no active proposal")

var dumpStateCommand = cli.Command{
	Name:     "dump-state",
	Category: "Database",
	Usage:    "Print the anchoring state stored by a stopped daemon.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Usage: "the directory holding " + anchordb.DefaultDBFileName,
		},
		cli.BoolFlag{
			Name:  "proposals",
			Usage: "include every archived proposal",
		},
	},
	Action: dumpState,
}

type proposalResp struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Epoch      uint64 `json:"epoch"`
	Created    uint64 `json:"created_height"`
	State      string `json:"state"`
	Signatures int    `json:"signatures"`
	Payload    string `json:"payload"`
	FinalTxID  string `json:"final_txid,omitempty"`
	Reason     string `json:"abandon_reason,omitempty"`
	PSBT       string `json:"psbt,omitempty"`
}

func newProposalResp(p *sigcollect.Proposal) *proposalResp {
	resp := &proposalResp{
		ID:         p.ID.String(),
		Kind:       p.Kind.String(),
		Epoch:      p.Epoch,
		Created:    p.CreatedHeight,
		State:      p.State.String(),
		Signatures: len(p.Signatures),
		Payload:    p.Payload.String(),
		Reason:     p.AbandonReason,
	}
	p.FinalTxID().WhenSome(func(txid chainhash.Hash) {
		resp.FinalTxID = txid.String()
	})

	return resp
}

type tipRecordResp struct {
	Seq  uint64 `json:"seq"`
	TxID string `json:"txid"`
}

type stateResp struct {
	AppliedSeq   uint64           `json:"applied_seq"`
	Epoch        uint64           `json:"epoch"`
	Status       string           `json:"status"`
	HaltReason   string           `json:"halt_reason,omitempty"`
	Addresses    []string         `json:"addresses"`
	Threshold    uint32           `json:"threshold"`
	Validators   int              `json:"validators"`
	LedgerHeight uint64           `json:"ledger_height"`
	LedgerHash   string           `json:"ledger_hash"`
	Tip          string           `json:"tip,omitempty"`
	TipKind      string           `json:"tip_kind,omitempty"`
	LastAnchored string           `json:"last_anchored,omitempty"`
	Funding      []string         `json:"funding"`
	Following    uint64           `json:"following_activation,omitempty"`
	Active       *proposalResp    `json:"active,omitempty"`
	Proposals    []*proposalResp  `json:"proposals,omitempty"`
	TipHistory   []*tipRecordResp `json:"tip_history"`
}

func newStateResp(s *anchoring.ChainState, seq uint64,
	net *chaincfg.Params) (*stateResp, error) {

	addrs, err := s.Addresses(net)
	if err != nil {
		return nil, err
	}

	resp := &stateResp{
		AppliedSeq:   seq,
		Epoch:        s.Epoch,
		Status:       s.Status.String(),
		HaltReason:   s.HaltReason,
		Threshold:    s.Config.Threshold,
		Validators:   s.Config.NumValidators(),
		LedgerHeight: s.LedgerHeight,
		LedgerHash:   s.LedgerHash.String(),
		Funding:      []string{},
		TipHistory:   []*tipRecordResp{},
	}
	for _, addr := range addrs {
		resp.Addresses = append(resp.Addresses, addr.String())
	}
	s.Tip.WhenSome(func(tip anchoring.TipInfo) {
		resp.Tip = tip.TxID.String()
		resp.TipKind = tip.Kind.String()
	})
	s.LastAnchored.WhenSome(func(p checkpoint.Payload) {
		resp.LastAnchored = p.String()
	})
	for _, out := range s.Funding {
		resp.Funding = append(resp.Funding, out.String())
	}
	s.Following.WhenSome(func(cfg *multisig.ValidatorSetConfig) {
		resp.Following = cfg.ActivationHeight
	})
	if p, err := s.Active.UnwrapOrErr(errNoActive); err == nil {
		resp.Active = newProposalResp(p)

		// The active proposal always spends from the current address.
		packet, err := p.Packet(s.Config, addrs[0], s.PrevTx)
		if err != nil {
			return nil, err
		}
		if resp.Active.PSBT, err = packet.B64Encode(); err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func dumpState(ctx *cli.Context) error {
	dir := ctx.String("datadir")
	if dir == "" {
		return errors.New("--datadir must be set")
	}

	net, err := chainParams(ctx)
	if err != nil {
		return err
	}

	db, err := anchordb.Open(dir, anchordb.DefaultDBTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := anchordb.NewStore(db)
	if err != nil {
		return err
	}

	state, seq, err := store.Load()
	if err != nil {
		return err
	}

	resp, err := newStateResp(state, seq, net)
	if err != nil {
		return err
	}

	history, err := store.TipHistory()
	if err != nil {
		return err
	}
	for _, rec := range history {
		resp.TipHistory = append(resp.TipHistory, &tipRecordResp{
			Seq:  rec.Seq,
			TxID: rec.TxID.String(),
		})
	}

	if ctx.Bool("proposals") {
		err := store.ForEachProposal(func(p *sigcollect.Proposal) error {
			resp.Proposals = append(
				resp.Proposals, newProposalResp(p),
			)
			return nil
		})
		if err != nil {
			return err
		}
	}

	return printJSON(ctx.App.Writer, resp)
}
