package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"rksv-fiscal-service/internal/chain"
	"rksv-fiscal-service/internal/models"
)

// LevelDBStore is an embedded store for single-node registers that run without
// a database server. One logical writer per process; a store-level mutex
// serializes chain extension, and each append goes to disk as one write batch.
type LevelDBStore struct {
	db      *leveldb.DB
	mu      sync.Mutex
	verbose bool
}

// tailRecord is the persisted tail pointer per tenant.
type tailRecord struct {
	Seq  uint64           `json:"seq"`
	Link models.ChainLink `json:"link"`
}

// NewLevelDBStore opens (or creates) the database at path.
func NewLevelDBStore(path string, verbose bool) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %v", path, err)
	}

	if verbose {
		log.Printf("[LEDGER] LevelDB store ready at %s", path)
	}

	return &LevelDBStore{db: db, verbose: verbose}, nil
}

func chainKey(tenantID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("chain/%s/%016x", tenantID, seq))
}

func tailKey(tenantID string) []byte {
	return []byte("tail/" + tenantID)
}

// keyTimeLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano trims
// trailing zeros, which breaks lexicographic ordering of keys within a second.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func transactionKey(tx *models.Transaction) []byte {
	return []byte(fmt.Sprintf("tx/%s/%s/%s", tx.TenantID, tx.CreatedAt.UTC().Format(keyTimeLayout), tx.ID))
}

func zReportKey(tenantID, date string) []byte {
	return []byte(fmt.Sprintf("zreport/%s/%s", tenantID, date))
}

func deliveryKey(entry *models.DeliveryLog) []byte {
	return []byte(fmt.Sprintf("delivery/%s/%s/%s", entry.TenantID, entry.CreatedAt.UTC().Format(keyTimeLayout), entry.ID))
}

func (ls *LevelDBStore) readTail(tenantID string) (*tailRecord, error) {
	data, err := ls.db.Get(tailKey(tenantID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tail: %v", err)
	}

	var record tailRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode tail record: %v", err)
	}

	return &record, nil
}

// GetTail returns the newest link for the tenant, or nil on an empty chain.
func (ls *LevelDBStore) GetTail(ctx context.Context, tenantID string) (*models.ChainLink, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	record, err := ls.readTail(tenantID)
	if err != nil || record == nil {
		return nil, err
	}

	link := record.Link
	return &link, nil
}

// appendBatch enforces the check-and-set against the persisted tail and stages
// the link plus the new tail pointer into batch. Caller holds the mutex.
func (ls *LevelDBStore) appendBatch(batch *leveldb.Batch, link *models.ChainLink) error {
	record, err := ls.readTail(link.TenantID)
	if err != nil {
		return err
	}

	expected := chain.InitialHash
	var seq uint64
	if record != nil {
		expected = record.Link.SequenceHash
		seq = record.Seq + 1
	}

	if link.PreviousHash != expected {
		return ErrTailConflict
	}

	linkData, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("failed to encode chain link: %v", err)
	}
	tailData, err := json.Marshal(tailRecord{Seq: seq, Link: *link})
	if err != nil {
		return fmt.Errorf("failed to encode tail record: %v", err)
	}

	batch.Put(chainKey(link.TenantID, seq), linkData)
	batch.Put(tailKey(link.TenantID), tailData)

	return nil
}

// AppendTransaction persists the transaction and its link in one write batch.
func (ls *LevelDBStore) AppendTransaction(ctx context.Context, tx *models.Transaction, link *models.ChainLink) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	batch := new(leveldb.Batch)
	if err := ls.appendBatch(batch, link); err != nil {
		return err
	}

	txData, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %v", err)
	}
	batch.Put(transactionKey(tx), txData)

	if err := ls.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write batch: %v", err)
	}

	return nil
}

// AppendZReport persists the closing report and its link in one write batch.
func (ls *LevelDBStore) AppendZReport(ctx context.Context, report *models.ZReport, link *models.ChainLink) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	key := zReportKey(report.TenantID, report.Date)
	if _, err := ls.db.Get(key, nil); err == nil {
		return fmt.Errorf("z-report for tenant %s and date %s already exists", report.TenantID, report.Date)
	} else if err != leveldb.ErrNotFound {
		return fmt.Errorf("failed to check z-report: %v", err)
	}

	batch := new(leveldb.Batch)
	if err := ls.appendBatch(batch, link); err != nil {
		return err
	}

	reportData, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode z-report: %v", err)
	}
	batch.Put(key, reportData)

	if err := ls.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write batch: %v", err)
	}

	return nil
}

// ListChain returns the tenant's links in creation order.
func (ls *LevelDBStore) ListChain(ctx context.Context, tenantID string) ([]models.ChainLink, error) {
	var links []models.ChainLink

	iter := ls.db.NewIterator(util.BytesPrefix([]byte("chain/"+tenantID+"/")), nil)
	defer iter.Release()

	for iter.Next() {
		var link models.ChainLink
		if err := json.Unmarshal(iter.Value(), &link); err != nil {
			return nil, fmt.Errorf("failed to decode chain link: %v", err)
		}
		links = append(links, link)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("chain iteration failed: %v", err)
	}

	return links, nil
}

// ListTransactions returns transactions created within [from, to). Keys embed
// the fixed-width creation time, so the prefix scan yields creation order.
func (ls *LevelDBStore) ListTransactions(ctx context.Context, tenantID string, from, to time.Time) ([]models.Transaction, error) {
	var out []models.Transaction

	iter := ls.db.NewIterator(util.BytesPrefix([]byte("tx/"+tenantID+"/")), nil)
	defer iter.Release()

	for iter.Next() {
		var tx models.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %v", err)
		}
		if !tx.CreatedAt.Before(from) && tx.CreatedAt.Before(to) {
			out = append(out, tx)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("transaction iteration failed: %v", err)
	}

	return out, nil
}

// GetZReport returns the report for a date, or ErrNotFound.
func (ls *LevelDBStore) GetZReport(ctx context.Context, tenantID, date string) (*models.ZReport, error) {
	data, err := ls.db.Get(zReportKey(tenantID, date), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read z-report: %v", err)
	}

	var report models.ZReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode z-report: %v", err)
	}

	return &report, nil
}

// ListZReports returns the tenant's reports ordered by date.
func (ls *LevelDBStore) ListZReports(ctx context.Context, tenantID string) ([]models.ZReport, error) {
	var out []models.ZReport

	iter := ls.db.NewIterator(util.BytesPrefix([]byte("zreport/"+tenantID+"/")), nil)
	defer iter.Release()

	for iter.Next() {
		var report models.ZReport
		if err := json.Unmarshal(iter.Value(), &report); err != nil {
			return nil, fmt.Errorf("failed to decode z-report: %v", err)
		}
		out = append(out, report)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("z-report iteration failed: %v", err)
	}

	return out, nil
}

// LogDelivery records a submission attempt.
func (ls *LevelDBStore) LogDelivery(ctx context.Context, entry *models.DeliveryLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode delivery log: %v", err)
	}

	if err := ls.db.Put(deliveryKey(entry), data, nil); err != nil {
		return fmt.Errorf("failed to write delivery log: %v", err)
	}

	return nil
}

// Close releases the database.
func (ls *LevelDBStore) Close() error {
	return ls.db.Close()
}
