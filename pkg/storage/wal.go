package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/uhyunpark/mntex/pkg/journal"
)

type NopJournal struct{}

func NewNopJournal() *NopJournal                                     { return &NopJournal{} }
func (NopJournal) Append(_ context.Context, _ journal.Posting) error { return nil }

// FileJournal appends postings as ledger-cli text. Ids at or below the last
// written id are skipped, so retries never duplicate entries.
type FileJournal struct {
	mu     sync.Mutex
	f      *os.File
	lastID int64
}

const idTag = "; id: "

func NewFileJournal(path string) (*FileJournal, error) {
	lastID, err := scanLastID(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f, lastID: lastID}, nil
}

func scanLastID(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, idTag) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(line, idTag), 10, 64)
		if err == nil && id > last {
			last = id
		}
	}
	return last, sc.Err()
}

func (w *FileJournal) Append(_ context.Context, p journal.Posting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p.ID <= w.lastID {
		return nil
	}
	if _, err := fmt.Fprintln(w.f, p.Ledger()); err != nil {
		return fmt.Errorf("failed to write posting %d: %w", p.ID, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	w.lastID = p.ID
	return nil
}

func (w *FileJournal) LastID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastID
}

func (w *FileJournal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// MultiJournal appends to every journal in order. Each one deduplicates by
// id, so a retry after a partial failure is safe.
type MultiJournal []journal.Journal

func (m MultiJournal) Append(ctx context.Context, p journal.Posting) error {
	for _, j := range m {
		if err := j.Append(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ journal.Journal = NopJournal{}
	_ journal.Journal = (*FileJournal)(nil)
	_ journal.Journal = MultiJournal(nil)
)
