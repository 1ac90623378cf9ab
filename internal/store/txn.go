package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"dvpn.mini/dvr/internal/ledger"
)

// Txn is an open block transaction. It implements ledger.Storage.
type Txn struct {
	tx   *sql.Tx
	seq  uint32
	done bool
	sp   int
}

var _ ledger.Storage = (*Txn)(nil)

// Get decodes the value stored under key into out.
func (t *Txn) Get(key ledger.Key, out any) (bool, error) {
	var raw []byte
	err := t.tx.QueryRow(`SELECT value FROM entries WHERE key = ?`, string(key)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key, replacing any previous value.
func (t *Txn) Set(key ledger.Key, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = t.tx.Exec(`INSERT INTO entries (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(key), raw)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// ExtendTTL renews the instance lifetime when fewer than threshold
// sequences remain.
func (t *Txn) ExtendTTL(threshold, extendTo uint32) error {
	cur, err := t.metaUint(metaLiveUntil)
	if err != nil {
		return err
	}
	next := ledger.RenewLiveUntil(t.seq, uint32(cur), threshold, extendTo)
	if uint64(next) == cur {
		return nil
	}
	return t.setMeta(metaLiveUntil, strconv.FormatUint(uint64(next), 10))
}

// Atomic runs fn under a savepoint. If fn fails, its writes are rolled back
// and the block transaction stays usable.
func (t *Txn) Atomic(fn func(ledger.Storage) error) error {
	t.sp++
	name := fmt.Sprintf("call_%d", t.sp)
	if _, err := t.tx.Exec("SAVEPOINT " + name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}

	if err := fn(t); err != nil {
		if _, rbErr := t.tx.Exec("ROLLBACK TO " + name); rbErr != nil {
			return fmt.Errorf("rollback savepoint after %v: %w", err, rbErr)
		}
		if _, relErr := t.tx.Exec("RELEASE " + name); relErr != nil {
			return fmt.Errorf("release savepoint after %v: %w", err, relErr)
		}
		return err
	}

	if _, err := t.tx.Exec("RELEASE " + name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// Expired reports whether the instance lifetime has lapsed at the
// transaction's sequence. Nothing is removed; the caller decides how to
// surface it.
func (t *Txn) Expired() (bool, error) {
	live, err := t.metaUint(metaLiveUntil)
	if err != nil {
		return false, err
	}
	return live != 0 && uint64(t.seq) > live, nil
}

// MarkApplied records a delivered transaction id. It returns false when the
// id was already recorded, in this block or an earlier one.
func (t *Txn) MarkApplied(id string, height int64) (bool, error) {
	res, err := t.tx.Exec(`INSERT INTO applied (id, height) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`, id, height)
	if err != nil {
		return false, fmt.Errorf("record tx %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record tx %s: %w", id, err)
	}
	return n == 1, nil
}

// Applied reports whether id has been recorded by MarkApplied.
func (t *Txn) Applied(id string) (bool, error) {
	var height int64
	err := t.tx.QueryRow(`SELECT height FROM applied WHERE id = ?`, id).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup tx %s: %w", id, err)
	}
	return true, nil
}

// Digest hashes every entry in key order. Keys and values are length
// prefixed so that no two distinct entry sets share an encoding.
func (t *Txn) Digest() ([]byte, error) {
	rows, err := t.tx.Query(`SELECT key, value FROM entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	var buf []byte
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		buf = binary.AppendUvarint(buf[:0], uint64(len(key)))
		buf = append(buf, key...)
		buf = binary.AppendUvarint(buf, uint64(len(value)))
		buf = append(buf, value...)
		h.Write(buf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return h.Sum(nil), nil
}

// SetCommitInfo records the block height and app hash.
func (t *Txn) SetCommitInfo(height int64, appHash []byte) error {
	if err := t.setMeta(metaHeight, strconv.FormatInt(height, 10)); err != nil {
		return err
	}
	return t.setMeta(metaAppHash, hex.EncodeToString(appHash))
}

// Commit makes the block's writes durable.
func (t *Txn) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	return nil
}

// Rollback discards the block's writes. Safe to call after Commit.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *Txn) metaValue(name string) (string, bool, error) {
	var v string
	err := t.tx.QueryRow(`SELECT value FROM meta WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", name, err)
	}
	return v, true, nil
}

func (t *Txn) metaUint(name string) (uint64, error) {
	v, ok, err := t.metaValue(name)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse meta %s: %w", name, err)
	}
	return n, nil
}

func (t *Txn) metaBytes(name string) ([]byte, error) {
	v, ok, err := t.metaValue(name)
	if err != nil || !ok {
		return nil, err
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("parse meta %s: %w", name, err)
	}
	return b, nil
}

func (t *Txn) setMeta(name, value string) error {
	_, err := t.tx.Exec(`INSERT INTO meta (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", name, err)
	}
	return nil
}
