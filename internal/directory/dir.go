// Package directory maintains the local peer directory — the set of peers
// that have announced themselves on the mesh, keyed by peer ID.
//
// Announce entries are replicated via the broadcast stream. Every node
// holds a complete local copy; no query ever leaves the node. Entries are
// signed by the announcing identity so fakes are rejected, and a newer
// timestamp replaces an older entry for the same peer (nickname changes,
// key rotation).
package directory

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketPeers = []byte("peers")

// Entry is a signed peer announcement broadcast to all nodes.
type Entry struct {
	PeerID    string `json:"peer_id"`   // 16-hex mesh identifier
	Nickname  string `json:"nickname"`  // human-readable label, not unique
	EncPub    string `json:"enc_pub"`   // X25519 pubkey hex
	SignPub   string `json:"sign_pub"`  // Ed25519 pubkey hex (for signature verification)
	Timestamp int64  `json:"timestamp"` // Unix seconds; newer entries replace older ones
	Sig       []byte `json:"sig"`       // Ed25519 signature over canonical JSON (sans sig)
}

// canonical returns the bytes that must be signed: JSON without the sig field.
func (e *Entry) canonical() ([]byte, error) {
	type canon struct {
		PeerID    string `json:"peer_id"`
		Nickname  string `json:"nickname"`
		EncPub    string `json:"enc_pub"`
		SignPub   string `json:"sign_pub"`
		Timestamp int64  `json:"timestamp"`
	}
	return json.Marshal(canon{e.PeerID, e.Nickname, e.EncPub, e.SignPub, e.Timestamp})
}

// Verify checks the entry's signature.
func (e *Entry) Verify() error {
	pubBytes, err := hex.DecodeString(e.SignPub)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return errors.New("directory: invalid sign_pub")
	}
	canonical, err := e.canonical()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), canonical, e.Sig) {
		return errors.New("directory: signature verification failed")
	}
	return nil
}

// Sign signs the entry using the provided Ed25519 private key.
func (e *Entry) Sign(priv ed25519.PrivateKey) error {
	e.Timestamp = time.Now().Unix()
	canonical, err := e.canonical()
	if err != nil {
		return err
	}
	e.Sig = ed25519.Sign(priv, canonical)
	return nil
}

// Directory is a persistent local peer store backed by bbolt.
type Directory struct {
	db *bolt.DB
}

// New opens (or creates) a directory database at the given path.
func New(path string) (*Directory, error) {
	db, err := bolt.Open(path+"/directory.db", 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Directory{db: db}, nil
}

// Close closes the underlying database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Add inserts or updates a peer entry after verifying its signature.
// Entries with older timestamps are silently ignored.
func (d *Directory) Add(e *Entry) error {
	if err := e.Verify(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPeers)
		key := []byte(e.PeerID)

		if existing := bkt.Get(key); existing != nil {
			var old Entry
			if json.Unmarshal(existing, &old) == nil && old.Timestamp >= e.Timestamp {
				return nil // not newer; ignore
			}
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return bkt.Put(key, data)
	})
}

// Remove deletes a peer entry, e.g. after a leave broadcast.
func (d *Directory) Remove(peerID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(peerID))
	})
}

// Lookup finds an entry by peer ID. Returns nil if not found.
func (d *Directory) Lookup(peerID string) *Entry {
	var e Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPeers)
		data := bkt.Get([]byte(peerID))
		if data == nil {
			return errors.New("not found")
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil
	}
	return &e
}

// LookupNickname finds the first entry with the given nickname
// (case-insensitive). Nicknames are not unique; peer IDs are the identity.
func (d *Directory) LookupNickname(nickname string) *Entry {
	var found *Entry
	d.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		bkt := tx.Bucket(bucketPeers)
		return bkt.ForEach(func(_, v []byte) error {
			var e Entry
			if json.Unmarshal(v, &e) == nil && strings.EqualFold(e.Nickname, nickname) {
				found = &e
				return errors.New("stop") // break ForEach
			}
			return nil
		})
	})
	return found
}

// All returns every known peer.
func (d *Directory) All() []Entry {
	var out []Entry
	d.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			var e Entry
			if json.Unmarshal(v, &e) == nil {
				out = append(out, e)
			}
			return nil
		})
	})
	return out
}
