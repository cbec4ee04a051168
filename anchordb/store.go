package anchordb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/csales1987/exonum-btc-anchoring/anchoring"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DefaultDBFileName is the name of the bolt database file.
	DefaultDBFileName = "anchoring.db"

	// DefaultDBTimeout is how long opening the database waits for the
	// file lock.
	DefaultDBTimeout = kvdb.DefaultDBTimeout
)

var (
	// stateBucketKey is the top level bucket holding the replicated
	// state.
	//
	// maps: chainStateKey -> encoded ChainState
	//       appliedSeqKey -> uint64 sequence of the last applied message
	stateBucketKey = []byte("anchoring-state")

	chainStateKey = []byte("chain-state")
	appliedSeqKey = []byte("applied-seq")

	// proposalBucketKey holds every proposal ever opened.
	//
	// maps: proposalID -> encoded Proposal
	proposalBucketKey = []byte("anchoring-proposals")

	// tipBucketKey holds the history of agreed tips.
	//
	// maps: sequence -> txid
	tipBucketKey = []byte("anchoring-tips")

	byteOrder = binary.BigEndian

	// ErrNoState is returned by Load before the first Commit.
	ErrNoState = errors.New("no anchoring state stored")

	// ErrProposalNotFound is returned for unknown proposal ids.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrStaleSequence is returned when committing a sequence number
	// that is not ahead of the stored one.
	ErrStaleSequence = errors.New("sequence already applied")

	errNoBucket = errors.New("anchoring bucket does not exist")
)

// TipRecord is one entry of the tip history.
type TipRecord struct {
	Seq  uint64
	TxID chainhash.Hash
}

// Store persists the replicated anchoring state of one node.
type Store struct {
	db kvdb.Backend
}

// Open opens or creates the bolt database in dir.
func Open(dir string, timeout time.Duration) (kvdb.Backend, error) {
	if timeout == 0 {
		timeout = DefaultDBTimeout
	}

	return kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dir,
		DBFileName:        DefaultDBFileName,
		NoFreelistSync:    true,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         timeout,
	})
}

// NewStore returns a store backed by db, creating its buckets if needed.
func NewStore(db kvdb.Backend) (*Store, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		buckets := [][]byte{
			stateBucketKey, proposalBucketKey, tipBucketKey,
		}
		for _, key := range buckets {
			if _, err := tx.CreateTopLevelBucket(key); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Commit atomically stores the outcome of applying the message with the
// given sequence number.
func (s *Store) Commit(seq uint64, out *anchoring.Outcome) error {
	var b bytes.Buffer
	if err := anchoring.EncodeState(&b, out.State); err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		stateBucket := tx.ReadWriteBucket(stateBucketKey)
		proposals := tx.ReadWriteBucket(proposalBucketKey)
		tips := tx.ReadWriteBucket(tipBucketKey)
		if stateBucket == nil || proposals == nil || tips == nil {
			return errNoBucket
		}

		if applied := stateBucket.Get(appliedSeqKey); applied != nil {
			if prev := byteOrder.Uint64(applied); seq <= prev {
				return fmt.Errorf("%w: %d <= %d",
					ErrStaleSequence, seq, prev)
			}
		}

		var seqBytes [8]byte
		byteOrder.PutUint64(seqBytes[:], seq)

		err := stateBucket.Put(chainStateKey, b.Bytes())
		if err != nil {
			return err
		}
		if err := stateBucket.Put(appliedSeqKey, seqBytes[:]); err != nil {
			return err
		}

		if active := out.State.Active; active.IsSome() {
			err := putProposal(proposals, active.UnsafeFromSome())
			if err != nil {
				return err
			}
		}

		for _, ev := range out.Events {
			switch ev := ev.(type) {
			case *anchoring.ProposalAbandoned:
				err := markAbandoned(proposals, ev)
				if err != nil {
					return err
				}

			case *anchoring.TipAdvanced:
				err := tips.Put(seqBytes[:], ev.TxID[:])
				if err != nil {
					return err
				}
			}
		}

		return nil
	}, func() {})
}

func putProposal(bucket kvdb.RwBucket, p *sigcollect.Proposal) error {
	blob, err := anchoring.EncodeProposal(p)
	if err != nil {
		return err
	}

	return bucket.Put(p.ID[:], blob)
}

// markAbandoned updates the archived copy of an abandoned proposal, which is
// no longer part of the state.
func markAbandoned(bucket kvdb.RwBucket,
	ev *anchoring.ProposalAbandoned) error {

	blob := bucket.Get(ev.ProposalID[:])
	if blob == nil {
		log.Warnf("Abandoned proposal %v was never stored",
			ev.ProposalID)
		return nil
	}

	p, err := anchoring.DecodeProposal(blob)
	if err != nil {
		return err
	}
	p.State = sigcollect.StateAbandoned
	p.AbandonReason = ev.Reason

	return putProposal(bucket, p)
}

// Load returns the stored state and the sequence number of the last applied
// message.
func (s *Store) Load() (*anchoring.ChainState, uint64, error) {
	var (
		state *anchoring.ChainState
		seq   uint64
	)
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(stateBucketKey)
		if bucket == nil {
			return errNoBucket
		}

		blob := bucket.Get(chainStateKey)
		if blob == nil {
			return ErrNoState
		}

		var err error
		state, err = anchoring.DecodeState(bytes.NewReader(blob))
		if err != nil {
			return err
		}
		seq = byteOrder.Uint64(bucket.Get(appliedSeqKey))

		return nil
	}, func() {
		state, seq = nil, 0
	})
	if err != nil {
		return nil, 0, err
	}

	log.Debugf("Loaded anchoring state at sequence %d", seq)

	return state, seq, nil
}

// AppliedSeq returns the sequence number of the last committed message, or
// zero if nothing was committed.
func (s *Store) AppliedSeq() (uint64, error) {
	var seq uint64
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(stateBucketKey)
		if bucket == nil {
			return errNoBucket
		}
		if applied := bucket.Get(appliedSeqKey); applied != nil {
			seq = byteOrder.Uint64(applied)
		}

		return nil
	}, func() {
		seq = 0
	})

	return seq, err
}

// FetchProposal returns the archived proposal with the given id.
func (s *Store) FetchProposal(id chainhash.Hash) (*sigcollect.Proposal,
	error) {

	var p *sigcollect.Proposal
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(proposalBucketKey)
		if bucket == nil {
			return errNoBucket
		}

		blob := bucket.Get(id[:])
		if blob == nil {
			return fmt.Errorf("%w: %v", ErrProposalNotFound, id)
		}

		var err error
		p, err = anchoring.DecodeProposal(blob)

		return err
	}, func() {
		p = nil
	})

	return p, err
}

// ForEachProposal calls f for every archived proposal in id order.
func (s *Store) ForEachProposal(f func(*sigcollect.Proposal) error) error {
	return kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(proposalBucketKey)
		if bucket == nil {
			return errNoBucket
		}

		return bucket.ForEach(func(_, v []byte) error {
			p, err := anchoring.DecodeProposal(v)
			if err != nil {
				return err
			}

			return f(p)
		})
	}, func() {})
}

// TipHistory returns every tip change in commit order.
func (s *Store) TipHistory() ([]TipRecord, error) {
	var records []TipRecord
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(tipBucketKey)
		if bucket == nil {
			return errNoBucket
		}

		return bucket.ForEach(func(k, v []byte) error {
			var rec TipRecord
			rec.Seq = byteOrder.Uint64(k)
			copy(rec.TxID[:], v)
			records = append(records, rec)

			return nil
		})
	}, func() {
		records = nil
	})

	return records, err
}
