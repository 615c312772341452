package refresh

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Sternrassler/storefront-cache/pkg/records"
)

// RecordFetchFunc fetches the fields of one product record.
type RecordFetchFunc func(ctx context.Context, id string) (json.RawMessage, error)

// RecordSnapshot is one rendering of a product record.
type RecordSnapshot struct {
	Record *records.ProductRecord
	Stage  Stage
}

// LoadRecord emits the stored record when present. A fresh record is
// returned without fetching. A stale or absent record is fetched when online,
// stored and emitted again, after which an opportunistic sweep runs.
// A failed fetch falls back to the stored record, even when stale.
func (l *Loader) LoadRecord(ctx context.Context, id, category string, fetch RecordFetchFunc, emit func(RecordSnapshot)) (*records.ProductRecord, error) {
	if l.records == nil {
		return nil, ErrNoRecordStore
	}
	if emit == nil {
		emit = func(RecordSnapshot) {}
	}

	rec, err := l.records.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, records.ErrNotFound) {
			l.logger.Warn().Err(err).Str("id", id).Msg("Record read failed, treating as absent")
		}
		rec = nil
	}

	if rec != nil {
		emit(RecordSnapshot{Record: rec, Stage: StageCached})
		if !l.records.IsStale(rec) {
			loadsTotal.WithLabelValues(outcomeFresh).Inc()
			return rec, nil
		}
	}

	if !l.canFetch(ctx) {
		loadsTotal.WithLabelValues(outcomeOffline).Inc()
		if rec != nil {
			return rec, nil
		}
		return nil, ErrOffline
	}

	fresh, shared, err := l.recs.do(ctx, "record:"+id, func() (*records.ProductRecord, error) {
		fields, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		saved, err := l.records.Put(ctx, id, category, fields)
		if err != nil {
			if errors.Is(err, records.ErrInvalidPayload) {
				return nil, err
			}
			// Serve the fetched record even when it could not be stored.
			l.logger.Warn().Err(err).Str("id", id).Msg("Failed to store product record")
			return &records.ProductRecord{
				ID:          id,
				Category:    category,
				Payload:     string(fields),
				LastUpdated: l.cache.Now().UnixMilli(),
			}, nil
		}
		return saved, nil
	})
	if shared {
		coalescedTotal.Inc()
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("id", id).Msg("Record refresh failed")
		if rec != nil {
			loadsTotal.WithLabelValues(outcomeFallback).Inc()
			return rec, nil
		}
		loadsTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, err
	}

	loadsTotal.WithLabelValues(outcomeVerified).Inc()
	emit(RecordSnapshot{Record: fresh, Stage: StageVerified})

	if removed, ran, err := l.records.SweepIfDue(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Opportunistic record sweep failed")
	} else if ran && removed > 0 {
		l.logger.Debug().Int64("removed", removed).Msg("Opportunistic record sweep")
	}
	return fresh, nil
}
