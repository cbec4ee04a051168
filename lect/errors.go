package lect

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DoubleSpendObserved reports that the primary input of the active proposal
// was seen spent by a transaction other than the proposal's own. It is a
// local notice: the proposal is only abandoned once the validators agree on
// the new tip.
type DoubleSpendObserved struct {
	Input      wire.OutPoint
	ProposalID chainhash.Hash
	SpentBy    chainhash.Hash
}

// Error returns a human readable description of the notice.
func (d *DoubleSpendObserved) Error() string {
	return fmt.Sprintf("input %v of proposal %v spent by %v", d.Input,
		d.ProposalID, d.SpentBy)
}
