package blob

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// schemaVersion is the layout the repository expects after open.
const schemaVersion = 2

var (
	bucketMeta        = []byte("meta")
	bucketAttachments = []byte("attachments")
	bucketPayloads    = []byte("payloads")
	bucketByParent    = []byte("by_parent")

	keySchemaVersion = []byte("schema_version")
)

// indexSep separates parent and attachment IDs in by_parent keys.
const indexSep = 0x00

// record is the metadata persisted for one attachment. The payload lives in
// its own bucket so index scans never load it.
type record struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType"`
	CreatedAt time.Time `json:"createdAt"`
}

func indexKey(parentID, id string) []byte {
	k := make([]byte, 0, len(parentID)+1+len(id))
	k = append(k, parentID...)
	k = append(k, indexSep)
	return append(k, id...)
}

func indexPrefix(parentID string) []byte {
	k := make([]byte, 0, len(parentID)+1)
	k = append(k, parentID...)
	return append(k, indexSep)
}

// migrate brings the file to schemaVersion. Version 1 files have no
// by_parent bucket; the upgrade creates it and backfills it from the
// stored records.
func migrate(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return fmt.Errorf("creating meta bucket: %w", err)
	}
	attachments, err := tx.CreateBucketIfNotExists(bucketAttachments)
	if err != nil {
		return fmt.Errorf("creating attachments bucket: %w", err)
	}
	if _, err := tx.CreateBucketIfNotExists(bucketPayloads); err != nil {
		return fmt.Errorf("creating payloads bucket: %w", err)
	}

	current := 0
	if raw := meta.Get(keySchemaVersion); len(raw) == 8 {
		current = int(binary.BigEndian.Uint64(raw))
	}

	if current < 2 || tx.Bucket(bucketByParent) == nil {
		index, err := tx.CreateBucketIfNotExists(bucketByParent)
		if err != nil {
			return fmt.Errorf("creating by_parent index: %w", err)
		}
		err = attachments.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			return index.Put(indexKey(rec.ParentID, rec.ID), []byte{1})
		})
		if err != nil {
			return fmt.Errorf("backfilling by_parent index: %w", err)
		}
	}

	if current != schemaVersion {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, schemaVersion)
		if err := meta.Put(keySchemaVersion, buf); err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
	}
	return nil
}
