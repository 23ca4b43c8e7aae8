// Package updater refreshes the quotes database from the fund registry.
package updater

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/cvm-captcha/internal/funds"
	"github.com/Brownie44l1/cvm-captcha/internal/portal"
)

// RecentMonths is how many of the newest report months are read per fund.
const RecentMonths = 2

// FundPage is a logged-out registry tab that can navigate to a fund's daily
// report once the login succeeded. *portal.RodPage satisfies it.
type FundPage interface {
	portal.Page
	OpenFund(ctx context.Context, fundID string) error
	OpenTables(ctx context.Context) error
	Months(ctx context.Context) ([]string, error)
	PickMonth(ctx context.Context, month string) error
	TableHTML(ctx context.Context) (string, error)
	Close() error
}

type Store interface {
	LastUpdate(ctx context.Context, cnpj string) (time.Time, error)
	Insert(ctx context.Context, cnpj string, quotes []funds.DailyQuote) (int, error)
}

type Updater struct {
	// Open starts a fresh registry tab for one fund.
	Open   func(ctx context.Context) (FundPage, error)
	Solver portal.Solver
	Store  Store
	// Funds maps CNPJ to display name.
	Funds    map[string]string
	MaxTries int
	// Workers bounds funds processed at once; zero means one.
	Workers int
	Logger  *zap.Logger
}

// Report is the outcome of one fund's update.
type Report struct {
	CNPJ     string
	Name     string
	Tries    int
	Months   []string
	Inserted int
	Err      error
}

// Run updates every configured fund. A fund that fails is logged and
// reported; the others still run. Reports are sorted by CNPJ.
func (u *Updater) Run(ctx context.Context) ([]Report, error) {
	log := u.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ids := make([]string, 0, len(u.Funds))
	for id := range u.Funds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	reports := make([]Report, len(ids))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(u.Workers, 1))
	for i, id := range ids {
		eg.Go(func() error {
			r := u.updateFund(egCtx, id, log.With(zap.String("fund", u.Funds[id])))
			reports[i] = r
			if r.Err != nil {
				log.Warn("fund update failed", zap.String("cnpj", id), zap.Error(r.Err))
			} else {
				log.Info("fund updated", zap.String("cnpj", id),
					zap.Int("tries", r.Tries), zap.Int("inserted", r.Inserted))
			}
			return nil
		})
	}
	eg.Wait()
	return reports, ctx.Err()
}

func (u *Updater) updateFund(ctx context.Context, id string, log *zap.Logger) Report {
	r := Report{CNPJ: id, Name: u.Funds[id]}
	if err := ctx.Err(); err != nil {
		r.Err = err
		return r
	}

	page, err := u.Open(ctx)
	if err != nil {
		r.Err = fmt.Errorf("open registry: %w", err)
		return r
	}
	defer page.Close()

	session := &portal.Session{MaxTries: u.MaxTries, Logger: log}
	att, err := session.Login(ctx, page, u.Solver, id, u.Funds[id])
	r.Tries = att.Tries
	if err != nil {
		r.Err = err
		return r
	}

	r.Inserted, r.Months, r.Err = u.collect(ctx, page, id)
	return r
}

func (u *Updater) collect(ctx context.Context, page FundPage, id string) (int, []string, error) {
	if err := page.OpenFund(ctx, id); err != nil {
		return 0, nil, err
	}
	if err := page.OpenTables(ctx); err != nil {
		return 0, nil, err
	}
	months, err := page.Months(ctx)
	if err != nil {
		return 0, nil, err
	}
	if len(months) > RecentMonths {
		months = months[:RecentMonths]
	}

	last, err := u.Store.LastUpdate(ctx, id)
	if err != nil {
		return 0, months, err
	}

	inserted := 0
	for _, month := range months {
		if err := page.PickMonth(ctx, month); err != nil {
			return inserted, months, err
		}
		src, err := page.TableHTML(ctx)
		if err != nil {
			return inserted, months, err
		}
		quotes, err := funds.ParseDailyTable(src, month)
		if err != nil {
			return inserted, months, fmt.Errorf("month %s: %w", month, err)
		}
		n, err := u.Store.Insert(ctx, id, funds.After(quotes, last))
		if err != nil {
			return inserted, months, err
		}
		inserted += n
	}
	return inserted, months, nil
}
