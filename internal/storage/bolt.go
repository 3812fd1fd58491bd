package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"remitrails/internal/remit"
)

var (
	bucketProfiles    = []byte("profiles")
	bucketPhones      = []byte("phones")
	bucketRemittances = []byte("remittances")
	bucketParams      = []byte("params")

	paramsKey = []byte("current")
)

// BoltStore persists engine state in a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (and migrates) the database at path.
func OpenBolt(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketProfiles, bucketPhones, bucketRemittances, bucketParams} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) View(ctx context.Context, fn func(remit.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(boltTx{tx: tx})
	})
}

func (s *BoltStore) Update(ctx context.Context, fn func(remit.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func (t boltTx) writable() error {
	if !t.tx.Writable() {
		return remit.ErrReadOnly
	}
	return nil
}

func (t boltTx) GetProfile(account common.Address) (*remit.Profile, bool, error) {
	raw := t.tx.Bucket(bucketProfiles).Get(account.Bytes())
	if raw == nil {
		return nil, false, nil
	}
	var rec profileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	p, err := decodeProfile(rec)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (t boltTx) AccountByPhone(phone string) (common.Address, bool, error) {
	raw := t.tx.Bucket(bucketPhones).Get([]byte(phone))
	if raw == nil {
		return common.Address{}, false, nil
	}
	return common.BytesToAddress(raw), true, nil
}

func (t boltTx) PutProfile(p *remit.Profile) error {
	if err := t.writable(); err != nil {
		return err
	}
	phones := t.tx.Bucket(bucketPhones)
	if owner := phones.Get([]byte(p.PhoneNumber)); owner != nil && common.BytesToAddress(owner) != p.Account {
		return remit.ErrPhoneAlreadyRegistered
	}
	encoded, err := json.Marshal(encodeProfile(p))
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketProfiles).Put(p.Account.Bytes(), encoded); err != nil {
		return err
	}
	return phones.Put([]byte(p.PhoneNumber), p.Account.Bytes())
}

func (t boltTx) GetRemittance(id uint64) (*remit.Remittance, bool, error) {
	raw := t.tx.Bucket(bucketRemittances).Get(idKey(id))
	if raw == nil {
		return nil, false, nil
	}
	r, err := decodeRemittanceJSON(raw)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (t boltTx) PutRemittance(r *remit.Remittance) error {
	if err := t.writable(); err != nil {
		return err
	}
	encoded, err := json.Marshal(encodeRemittance(r))
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketRemittances).Put(idKey(r.ID), encoded)
}

// RemittancesFor scans the remittance bucket. Keys are big-endian ids, so the
// cursor already yields them oldest first.
func (t boltTx) RemittancesFor(account common.Address) ([]*remit.Remittance, error) {
	var out []*remit.Remittance
	c := t.tx.Bucket(bucketRemittances).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		r, err := decodeRemittanceJSON(v)
		if err != nil {
			return nil, err
		}
		if r.Sender == account || r.Recipient == account {
			out = append(out, r)
		}
	}
	return out, nil
}

// NextRemittanceID uses the bucket sequence, which rolls back with the
// transaction.
func (t boltTx) NextRemittanceID() (uint64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.tx.Bucket(bucketRemittances).NextSequence()
}

func (t boltTx) Params() (*remit.Params, bool, error) {
	raw := t.tx.Bucket(bucketParams).Get(paramsKey)
	if raw == nil {
		return nil, false, nil
	}
	var rec paramsRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	p, err := decodeParams(rec)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (t boltTx) PutParams(p *remit.Params) error {
	if err := t.writable(); err != nil {
		return err
	}
	encoded, err := json.Marshal(encodeParams(p))
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketParams).Put(paramsKey, encoded)
}

func decodeRemittanceJSON(raw []byte) (*remit.Remittance, error) {
	var rec remittanceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return decodeRemittance(rec)
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

var _ remit.Store = (*BoltStore)(nil)
