package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/swarmwatch/arbiter/pkg/types"
)

var (
	// Bucket names
	bucketBounties    = []byte("bounties")
	bucketBountyGUIDs = []byte("bounty_guids")
	bucketArtifacts   = []byte("artifacts")
	bucketArtifactIdx = []byte("artifacts_by_bounty")
	bucketVerdicts    = []byte("artifact_verdicts")
	bucketVerdictIdx  = []byte("verdicts_by_artifact")
)

// BoltStore implements Store using BoltDB. Every mutation runs inside a
// single write transaction; BoltDB's single-writer model is what makes the
// read-modify-write closures behave like row locks.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "arbiter.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketBounties,
			bucketBountyGUIDs,
			bucketArtifacts,
			bucketArtifactIdx,
			bucketVerdicts,
			bucketVerdictIdx,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: dbPath}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Clean drops all arbiter state.
func (s *BoltStore) Clean() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketBounties, bucketBountyGUIDs, bucketArtifacts,
			bucketArtifactIdx, bucketVerdicts, bucketVerdictIdx,
		} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func compositeKey(parent, child uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], parent)
	binary.BigEndian.PutUint64(b[8:], child)
	return b
}

// CreateBounty inserts the bounty, its artifacts, and one NEW verdict row
// per configured backend, all in one transaction. Fails with
// ErrAlreadyExists when the guid was seen before.
func (s *BoltStore) CreateBounty(bounty *types.Bounty, artifacts []*types.Artifact, backends []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		guids := tx.Bucket(bucketBountyGUIDs)
		if guids.Get([]byte(bounty.GUID)) != nil {
			return ErrAlreadyExists
		}

		bb := tx.Bucket(bucketBounties)
		id, err := bb.NextSequence()
		if err != nil {
			return err
		}
		bounty.ID = id
		bounty.NumArtifacts = len(artifacts)
		if bounty.CreatedAt.IsZero() {
			bounty.CreatedAt = time.Now().UTC()
		}

		if err := putJSON(bb, itob(id), bounty); err != nil {
			return err
		}
		if err := guids.Put([]byte(bounty.GUID), itob(id)); err != nil {
			return err
		}

		ab := tx.Bucket(bucketArtifacts)
		aidx := tx.Bucket(bucketArtifactIdx)
		vb := tx.Bucket(bucketVerdicts)
		vidx := tx.Bucket(bucketVerdictIdx)

		for _, artifact := range artifacts {
			aid, err := ab.NextSequence()
			if err != nil {
				return err
			}
			artifact.ID = aid
			artifact.BountyID = id
			if err := putJSON(ab, itob(aid), artifact); err != nil {
				return err
			}
			if err := aidx.Put(compositeKey(id, aid), nil); err != nil {
				return err
			}

			for _, backend := range backends {
				vid, err := vb.NextSequence()
				if err != nil {
					return err
				}
				av := &types.ArtifactVerdict{
					ID:         vid,
					ArtifactID: aid,
					Backend:    backend,
					Status:     types.JobStatusNew,
				}
				if err := putJSON(vb, itob(vid), av); err != nil {
					return err
				}
				if err := vidx.Put(compositeKey(aid, vid), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Bounty operations

func (s *BoltStore) GetBounty(id uint64) (*types.Bounty, error) {
	var bounty types.Bounty
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketBounties), itob(id), &bounty)
	})
	if err != nil {
		return nil, err
	}
	return &bounty, nil
}

func (s *BoltStore) GetBountyByGUID(guid string) (*types.Bounty, error) {
	var bounty types.Bounty
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketBountyGUIDs).Get([]byte(guid))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(bucketBounties), id, &bounty)
	})
	if err != nil {
		return nil, err
	}
	return &bounty, nil
}

func (s *BoltStore) ListBounties() ([]*types.Bounty, error) {
	var bounties []*types.Bounty
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBounties).ForEach(func(k, v []byte) error {
			var bounty types.Bounty
			if err := json.Unmarshal(v, &bounty); err != nil {
				return err
			}
			bounties = append(bounties, &bounty)
			return nil
		})
	})
	return bounties, err
}

// UpdateBounty applies fn to the bounty inside a write transaction. The
// closure sees the current row and its changes commit atomically, which is
// the select-for-update equivalent here. Returning ErrUnchanged skips the
// write without error.
func (s *BoltStore) UpdateBounty(id uint64, fn func(*types.Bounty) error) (*types.Bounty, error) {
	return s.updateBountyKey(itob(id), fn)
}

func (s *BoltStore) UpdateBountyByGUID(guid string, fn func(*types.Bounty) error) (*types.Bounty, error) {
	var key []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketBountyGUIDs).Get([]byte(guid))
		if id == nil {
			return ErrNotFound
		}
		key = append([]byte(nil), id...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.updateBountyKey(key, fn)
}

func (s *BoltStore) updateBountyKey(key []byte, fn func(*types.Bounty) error) (*types.Bounty, error) {
	var bounty types.Bounty
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBounties)
		if err := getJSON(b, key, &bounty); err != nil {
			return err
		}
		if err := fn(&bounty); err != nil {
			if err == ErrUnchanged {
				return nil
			}
			return err
		}
		return putJSON(b, key, &bounty)
	})
	if err != nil {
		return nil, err
	}
	return &bounty, nil
}

// scanBounties walks all bounties and collects those matching the
// predicate. One View transaction per scan gives a consistent snapshot.
func (s *BoltStore) scanBounties(match func(*types.Bounty) bool) ([]*types.Bounty, error) {
	var out []*types.Bounty
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBounties).ForEach(func(k, v []byte) error {
			var bounty types.Bounty
			if err := json.Unmarshal(v, &bounty); err != nil {
				return err
			}
			if match(&bounty) {
				out = append(out, &bounty)
			}
			return nil
		})
	})
	return out, err
}

// VoteCandidates returns active unvoted bounties with a truth value whose
// vote window has opened and whose error backoff has lapsed.
func (s *BoltStore) VoteCandidates(curBlock uint64) ([]*types.Bounty, error) {
	return s.scanBounties(func(b *types.Bounty) bool {
		return b.Status == types.BountyStatusActive &&
			!b.Voted &&
			b.TruthValue != nil &&
			curBlock >= b.VoteAfter &&
			curBlock >= b.ErrorDelayBlock
	})
}

// VoteExpired returns active unvoted bounties with a truth value whose vote
// window lapsed more than grace blocks ago.
func (s *BoltStore) VoteExpired(curBlock uint64, grace uint64) ([]*types.Bounty, error) {
	return s.scanBounties(func(b *types.Bounty) bool {
		return b.Status == types.BountyStatusActive &&
			!b.Voted &&
			b.TruthValue != nil &&
			curBlock >= b.VoteBefore+grace
	})
}

// RevealCandidates returns active unrevealed bounties past the reveal
// block for which assertions were not cached yet.
func (s *BoltStore) RevealCandidates(curBlock uint64) ([]*types.Bounty, error) {
	return s.scanBounties(func(b *types.Bounty) bool {
		return b.Status == types.BountyStatusActive &&
			!b.Revealed &&
			!b.HasReveal &&
			curBlock >= b.RevealBlock
	})
}

// SettleCandidates returns active unsettled bounties with cached
// assertions past the settle block whose error backoff has lapsed.
func (s *BoltStore) SettleCandidates(curBlock uint64) ([]*types.Bounty, error) {
	return s.scanBounties(func(b *types.Bounty) bool {
		return b.Status == types.BountyStatusActive &&
			!b.Settled &&
			b.HasReveal &&
			curBlock >= b.SettleBlock &&
			curBlock >= b.ErrorDelayBlock
	})
}

// ManualExpired returns active manual bounties whose vote window has
// closed without operator action.
func (s *BoltStore) ManualExpired(curBlock uint64) ([]*types.Bounty, error) {
	return s.scanBounties(func(b *types.Bounty) bool {
		return b.Status == types.BountyStatusActive &&
			b.TruthManual &&
			b.TruthValue == nil &&
			!b.Voted &&
			curBlock > b.VoteBefore
	})
}

// Artifact operations

func (s *BoltStore) GetArtifact(id uint64) (*types.Artifact, error) {
	var artifact types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketArtifacts), itob(id), &artifact)
	})
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// ListArtifactsByBounty returns the bounty's artifacts ordered by id. The
// composite index keys sort by (bounty, artifact), so a prefix cursor scan
// yields deterministic order.
func (s *BoltStore) ListArtifactsByBounty(bountyID uint64) ([]*types.Artifact, error) {
	var artifacts []*types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		ab := tx.Bucket(bucketArtifacts)
		c := tx.Bucket(bucketArtifactIdx).Cursor()
		prefix := itob(bountyID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			var artifact types.Artifact
			if err := getJSON(ab, k[8:], &artifact); err != nil {
				return err
			}
			artifacts = append(artifacts, &artifact)
		}
		return nil
	})
	return artifacts, err
}

func (s *BoltStore) UpdateArtifact(id uint64, fn func(*types.Artifact) error) (*types.Artifact, error) {
	var artifact types.Artifact
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		if err := getJSON(b, itob(id), &artifact); err != nil {
			return err
		}
		if err := fn(&artifact); err != nil {
			if err == ErrUnchanged {
				return nil
			}
			return err
		}
		return putJSON(b, itob(id), &artifact)
	})
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Artifact verdict operations

func (s *BoltStore) GetVerdict(id uint64) (*types.ArtifactVerdict, error) {
	var av types.ArtifactVerdict
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketVerdicts), itob(id), &av)
	})
	if err != nil {
		return nil, err
	}
	return &av, nil
}

func (s *BoltStore) ListVerdictsByArtifact(artifactID uint64) ([]*types.ArtifactVerdict, error) {
	var avs []*types.ArtifactVerdict
	err := s.db.View(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVerdicts)
		c := tx.Bucket(bucketVerdictIdx).Cursor()
		prefix := itob(artifactID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			var av types.ArtifactVerdict
			if err := getJSON(vb, k[8:], &av); err != nil {
				return err
			}
			avs = append(avs, &av)
		}
		return nil
	})
	return avs, err
}

func (s *BoltStore) UpdateVerdict(id uint64, fn func(*types.ArtifactVerdict) error) (*types.ArtifactVerdict, error) {
	var av types.ArtifactVerdict
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVerdicts)
		if err := getJSON(b, itob(id), &av); err != nil {
			return err
		}
		if err := fn(&av); err != nil {
			if err == ErrUnchanged {
				return nil
			}
			return err
		}
		return putJSON(b, itob(id), &av)
	})
	if err != nil {
		return nil, err
	}
	return &av, nil
}

// ClaimNewVerdicts moves every NEW row of the artifact to SUBMITTING and
// returns the claimed rows.
func (s *BoltStore) ClaimNewVerdicts(artifactID uint64) ([]*types.ArtifactVerdict, error) {
	var claimed []*types.ArtifactVerdict
	err := s.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVerdicts)
		c := tx.Bucket(bucketVerdictIdx).Cursor()
		prefix := itob(artifactID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			var av types.ArtifactVerdict
			if err := getJSON(vb, k[8:], &av); err != nil {
				return err
			}
			if av.Status != types.JobStatusNew {
				continue
			}
			av.Status = types.JobStatusSubmitting
			if err := putJSON(vb, k[8:], &av); err != nil {
				return err
			}
			claimed = append(claimed, &av)
		}
		return nil
	})
	return claimed, err
}

// ExpirePendingVerdicts fails PENDING rows whose expiry has passed.
// Rows are collected first and written after the scan; a bucket must not
// be mutated while it is being iterated.
func (s *BoltStore) ExpirePendingVerdicts(now time.Time) ([]*types.ArtifactVerdict, error) {
	var expired []*types.ArtifactVerdict
	err := s.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVerdicts)
		err := vb.ForEach(func(k, v []byte) error {
			var av types.ArtifactVerdict
			if err := json.Unmarshal(v, &av); err != nil {
				return err
			}
			if av.Status != types.JobStatusPending || av.Expires == nil || !av.Expires.Before(now) {
				return nil
			}
			av.Status = types.JobStatusFailed
			av.Expires = nil
			expired = append(expired, &av)
			return nil
		})
		if err != nil {
			return err
		}
		for _, av := range expired {
			if err := putJSON(vb, itob(av.ID), av); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// ArtifactsWithNewJobs returns ids of artifacts with at least one NEW row.
func (s *BoltStore) ArtifactsWithNewJobs() ([]uint64, error) {
	seen := map[uint64]bool{}
	var ids []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVerdicts).ForEach(func(k, v []byte) error {
			var av types.ArtifactVerdict
			if err := json.Unmarshal(v, &av); err != nil {
				return err
			}
			if av.Status == types.JobStatusNew && !seen[av.ArtifactID] {
				seen[av.ArtifactID] = true
				ids = append(ids, av.ArtifactID)
			}
			return nil
		})
	})
	return ids, err
}

// ArtifactsWithoutVerdict returns artifacts that have no job row for the
// given backend, in id order.
func (s *BoltStore) ArtifactsWithoutVerdict(backend string) ([]uint64, error) {
	covered := map[uint64]bool{}
	var ids []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketVerdicts).ForEach(func(k, v []byte) error {
			var av types.ArtifactVerdict
			if err := json.Unmarshal(v, &av); err != nil {
				return err
			}
			if av.Backend == backend {
				covered[av.ArtifactID] = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var artifact types.Artifact
			if err := json.Unmarshal(v, &artifact); err != nil {
				return err
			}
			if !covered[artifact.ID] {
				ids = append(ids, artifact.ID)
			}
			return nil
		})
	})
	return ids, err
}

// UnfinishedVerdicts returns all job rows that are not DONE, in id order.
func (s *BoltStore) UnfinishedVerdicts() ([]*types.ArtifactVerdict, error) {
	var avs []*types.ArtifactVerdict
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVerdicts).ForEach(func(k, v []byte) error {
			var av types.ArtifactVerdict
			if err := json.Unmarshal(v, &av); err != nil {
				return err
			}
			if av.Status != types.JobStatusDone {
				avs = append(avs, &av)
			}
			return nil
		})
	})
	return avs, err
}

// ResetPendingJobs moves all PENDING rows back to NEW. Idempotent crash
// recovery; jobs may be submitted twice after a restart.
func (s *BoltStore) ResetPendingJobs() (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVerdicts)
		var reset []*types.ArtifactVerdict
		err := vb.ForEach(func(k, v []byte) error {
			var av types.ArtifactVerdict
			if err := json.Unmarshal(v, &av); err != nil {
				return err
			}
			if av.Status != types.JobStatusPending {
				return nil
			}
			av.Status = types.JobStatusNew
			av.Expires = nil
			reset = append(reset, &av)
			return nil
		})
		if err != nil {
			return err
		}
		for _, av := range reset {
			if err := putJSON(vb, itob(av.ID), av); err != nil {
				return err
			}
		}
		count = len(reset)
		return nil
	})
	return count, err
}

// Counters

func (s *BoltStore) CountBountiesByStatus() (map[types.BountyStatus]int, error) {
	counts := map[types.BountyStatus]int{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBounties).ForEach(func(k, v []byte) error {
			var bounty types.Bounty
			if err := json.Unmarshal(v, &bounty); err != nil {
				return err
			}
			counts[bounty.Status]++
			return nil
		})
	})
	return counts, err
}

func (s *BoltStore) CountSettledBounties() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBounties).ForEach(func(k, v []byte) error {
			var bounty types.Bounty
			if err := json.Unmarshal(v, &bounty); err != nil {
				return err
			}
			if bounty.Settled {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) CountProcessingArtifacts() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var artifact types.Artifact
			if err := json.Unmarshal(v, &artifact); err != nil {
				return err
			}
			if !artifact.Processed {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) CountVerdictsByStatus() (map[types.JobStatus]int, error) {
	counts := map[types.JobStatus]int{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVerdicts).ForEach(func(k, v []byte) error {
			var av types.ArtifactVerdict
			if err := json.Unmarshal(v, &av); err != nil {
				return err
			}
			counts[av.Status]++
			return nil
		})
	})
	return counts, err
}

// ArtifactRates returns processed-artifact counts per interval bucket.
func (s *BoltStore) ArtifactRates(sinceBucket int64) (map[int64]int, error) {
	rates := map[int64]int{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var artifact types.Artifact
			if err := json.Unmarshal(v, &artifact); err != nil {
				return err
			}
			if artifact.Processed && artifact.ProcessedAtInterval >= sinceBucket {
				rates[artifact.ProcessedAtInterval]++
			}
			return nil
		})
	})
	return rates, err
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}
