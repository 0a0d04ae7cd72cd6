package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/storage"
)

// ReportRepository implements storage.ReportRepository for BadgerDB.
type ReportRepository struct {
	backend *Backend
}

var _ storage.ReportRepository = (*ReportRepository)(nil)

// NewReportRepository creates a new ReportRepository.
func NewReportRepository(backend *Backend) (*ReportRepository, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	return &ReportRepository{backend: backend}, nil
}

// SaveReports stores near-duplicate reports.
func (r *ReportRepository) SaveReports(ctx context.Context, reports ...*core.NearDuplicateReport) error {
	for _, rep := range reports {
		if rep.AtomID == rep.CandidateID {
			return fmt.Errorf("%w: report pairs atom %d with itself", storage.ErrInvalidQuery, rep.AtomID)
		}
		if rep.ID == "" {
			rep.ID = uuid.NewString()
		}
	}
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		ts := now()
		for _, rep := range reports {
			if rep.DetectedAt.IsZero() {
				rep.DetectedAt = ts
			}
			key := makeReportKey(rep.AtomID, rep.CandidateID, rep.ModelID)
			if err := tx.Set(key, storage.MarshalReport(rep)); err != nil {
				return err
			}
			if err := tx.Set(makeReportRevKey(rep.CandidateID, rep.AtomID, rep.ModelID), key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReportsForAtom returns reports naming the atom on either side.
func (r *ReportRepository) ReportsForAtom(ctx context.Context, atomID core.AtomID) ([]*core.NearDuplicateReport, error) {
	var reports []*core.NearDuplicateReport
	err := r.backend.View(func(tx *badger.Txn) error {
		err := forEachValue(tx, makePartialReportKey(reportPrefix, atomID), func(_, val []byte) error {
			rep, err := storage.UnmarshalReport(val)
			if err != nil {
				return err
			}
			reports = append(reports, rep)
			return nil
		})
		if err != nil {
			return err
		}

		var forward [][]byte
		err = forEachValue(tx, makePartialReportKey(reportRevPrefix, atomID), func(_, val []byte) error {
			forward = append(forward, append([]byte(nil), val...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range forward {
			val, err := readValue(tx, key)
			if err != nil {
				return err
			}
			if val == nil {
				continue
			}
			rep, err := storage.UnmarshalReport(val)
			if err != nil {
				return err
			}
			reports = append(reports, rep)
		}
		return nil
	})
	return reports, err
}

// ListReports returns up to limit reports.
func (r *ReportRepository) ListReports(ctx context.Context, limit int) ([]*core.NearDuplicateReport, error) {
	var reports []*core.NearDuplicateReport
	err := r.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(reportPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var rep *core.NearDuplicateReport
			err := iter.Item().Value(func(val []byte) error {
				var err error
				rep, err = storage.UnmarshalReport(val)
				return err
			})
			if err != nil {
				return err
			}
			reports = append(reports, rep)
			if limit > 0 && len(reports) >= limit {
				break
			}
		}
		return nil
	})
	return reports, err
}
