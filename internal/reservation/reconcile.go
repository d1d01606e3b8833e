package reservation

import (
	"context"
	"time"

	domainerrors "github.com/erazemk/knjiznica/internal/errors"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
	Removed  int `json:"removed"`
	Failed   int `json:"failed"`
}

// Reconcile aligns the global projection with the library projection. Global
// records missing or diverging from their library copy are rewritten; active
// global records with no library copy are deleted. Inactive orphans are kept
// as history.
func (s *Synchronizer) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	libs, err := s.lib.List(ctx)
	if err != nil {
		return report, domainerrors.Wrap(err, domainerrors.CodeInternal, "listing library projection")
	}
	for i := range libs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		l := &libs[i]
		report.Checked++

		g, err := s.global.Get(ctx, l.ID)
		if err != nil && !domainerrors.Is(err, domainerrors.ErrNotFound) {
			s.logger.Warn("reconcile: global read failed", "reservation", l.ID, "error", err)
			report.Failed++
			continue
		}
		if g != nil && g.SameState(l) {
			continue
		}
		if w := s.Mirror(ctx, l); w != nil {
			report.Failed++
			continue
		}
		report.Repaired++
	}

	globals, err := s.global.List(ctx)
	if err != nil {
		return report, domainerrors.Wrap(err, domainerrors.CodeInternal, "listing global projection")
	}
	for _, g := range globals {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !g.Active() {
			continue
		}
		l, err := s.lib.Get(ctx, g.LibraryID, g.ID)
		if err != nil {
			s.logger.Warn("reconcile: library read failed", "reservation", g.ID, "error", err)
			report.Failed++
			continue
		}
		if l != nil {
			continue
		}
		if err := s.global.Delete(ctx, g.ID); err != nil && !domainerrors.Is(err, domainerrors.ErrNotFound) {
			s.logger.Warn("reconcile: global delete failed", "reservation", g.ID, "error", err)
			report.Failed++
			continue
		}
		report.Removed++
	}

	if report.Repaired > 0 || report.Removed > 0 || report.Failed > 0 {
		s.logger.Info("projections reconciled",
			"checked", report.Checked,
			"repaired", report.Repaired,
			"removed", report.Removed,
			"failed", report.Failed,
		)
	}
	return report, nil
}

// Reconcile runs one reconciliation pass over both projections.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	return e.sync.Reconcile(ctx)
}

// RunReconciler reconciles every interval until ctx is done.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.sync.Reconcile(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("reconcile failed", "error", err)
			}
		}
	}
}
