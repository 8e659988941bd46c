// Command code-ingest bulk-imports discount codes from gzip-compressed code
// lists, one code per line, into a store's discount_codes table.
//
// With -min-files N > 1 only codes listed in at least N of the given files are
// imported, which reconciles several exports of the same campaign.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"slices"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
	"github.com/xenking/kart-pricing/internal/repository"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	batchSize     = 1_000
	maxFiles      = bits.UintSize
)

type options struct {
	databaseURL      string
	storeID          int64
	discountType     string
	value            string
	usageLimit       int
	minOrderAmount   string
	combineAutomatic bool
	minFiles         int
	minLen           int
	maxLen           int
}

// fileResult holds the codes found in a single file during pass 2, keyed to a
// bitmask of the files they were seen in.
type fileResult struct {
	candidates map[string]uint
}

func main() {
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Int64Var(&opts.storeID, "store", 0, "store the codes belong to")
	flag.StringVar(&opts.discountType, "type", string(pricing.DiscountPercentage), "discount type: percentage, fixed_amount or free_shipping")
	flag.StringVar(&opts.value, "value", "10", "discount value")
	flag.IntVar(&opts.usageLimit, "usage-limit", 1, "redemptions allowed per code, 0 for unlimited")
	flag.StringVar(&opts.minOrderAmount, "min-order", "", "minimum pre-discount subtotal")
	flag.BoolVar(&opts.combineAutomatic, "combine-automatic", true, "allow the codes alongside automatic discounts")
	flag.IntVar(&opts.minFiles, "min-files", 1, "import only codes present in at least this many files")
	flag.IntVar(&opts.minLen, "min-len", 4, "shortest accepted code")
	flag.IntVar(&opts.maxLen, "max-len", 32, "longest accepted code")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, flag.Args()); err != nil {
		slog.Error("code ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("code ingest completed successfully")
}

func (o options) template() (pricing.CodeRule, error) {
	rule := pricing.CodeRule{
		StoreID:                 o.storeID,
		Type:                    pricing.DiscountType(o.discountType),
		IsActive:                true,
		Scope:                   pricing.Scope{AppliesTo: pricing.AppliesToAll},
		CanCombineWithAutomatic: o.combineAutomatic,
	}
	if o.storeID <= 0 {
		return rule, errors.New("-store is required")
	}
	if !rule.Type.Valid() {
		return rule, errors.Errorf("unknown discount type %q", o.discountType)
	}
	if rule.Type != pricing.DiscountFreeShipping {
		v, err := decimal.NewFromString(o.value)
		if err != nil {
			return rule, errors.Wrap(err, "parse -value")
		}
		rule.Value = v
	}
	if o.minOrderAmount != "" {
		v, err := decimal.NewFromString(o.minOrderAmount)
		if err != nil {
			return rule, errors.Wrap(err, "parse -min-order")
		}
		rule.MinimumOrderAmount = decimal.NewNullDecimal(v)
	}
	if o.usageLimit > 0 {
		limit := o.usageLimit
		rule.UsageLimit = &limit
	}
	return rule, nil
}

func run(ctx context.Context, opts options, files []string) error {
	template, err := opts.template()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no input files given")
	}
	if len(files) > maxFiles {
		return errors.Errorf("at most %d input files are supported", maxFiles)
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	codes, err := collectCodes(ctx, files, opts)
	if err != nil {
		return err
	}

	slog.Info("codes selected", slog.Int("count", len(codes)))

	if len(codes) == 0 {
		slog.Info("no codes to insert")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, opts.databaseURL, repository.PoolConfig{})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := writeCodes(ctx, repository.NewDiscountRepository(pool), template, codes); err != nil {
		return errors.Wrap(err, "write codes to database")
	}

	return nil
}

// collectCodes returns the sorted normalized codes that appear in at least
// opts.minFiles of files.
func collectCodes(ctx context.Context, files []string, opts options) ([]string, error) {
	var filters []*bloom.BloomFilter
	if opts.minFiles > 1 {
		// Pass 1: Build bloom filters concurrently.
		slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

		var err error
		filters, err = buildBloomFilters(ctx, files, opts)
		if err != nil {
			return nil, errors.Wrap(err, "build bloom filters")
		}
	}

	// Pass 2: Collect candidate codes.
	slog.Info("pass 2: collecting candidate codes")

	codes, err := findCodes(ctx, files, filters, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find codes")
	}
	return codes, nil
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string, opts options) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
			var count uint64

			if err := streamCodes(ctx, f, opts, func(code string) {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.Int("file", i+1), slog.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for file %d", i+1)
			}

			slog.Info("pass 1 complete", slog.Int("file", i+1), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findCodes re-streams each file and keeps codes that may be present in
// enough files according to the bloom filters, then confirms the count
// exactly by merging per-file bitmasks. With no filters every code is kept.
func findCodes(ctx context.Context, files []string, filters []*bloom.BloomFilter, opts options) ([]string, error) {
	results := make([]fileResult, len(files))
	need := max(opts.minFiles, 1)

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			candidates := make(map[string]uint)
			fileBit := uint(1) << uint(i)

			if err := streamCodes(ctx, f, opts, func(code string) {
				if filters != nil && maybeIn(filters, i, code) < need-1 {
					return
				}
				candidates[code] |= fileBit
			}); err != nil {
				return errors.Wrapf(err, "scan file %d for candidates", i+1)
			}

			slog.Info("pass 2 complete", slog.Int("file", i+1), slog.Int("candidates", len(candidates)))
			results[i] = fileResult{candidates: candidates}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge bitmasks from all files.
	merged := make(map[string]uint)
	for _, r := range results {
		for code, mask := range r.candidates {
			merged[code] |= mask
		}
	}

	var codes []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= need {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	return codes, nil
}

// maybeIn counts the other files whose filter may contain code.
func maybeIn(filters []*bloom.BloomFilter, self int, code string) int {
	n := 0
	for j, f := range filters {
		if j != self && f.TestString(code) {
			n++
		}
	}
	return n
}

// streamCodes opens a gzip-compressed file and calls fn for each normalized
// code within the configured length bounds.
func streamCodes(ctx context.Context, path string, opts options, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := pricing.NormalizeCode(scanner.Text())
		if len(code) < opts.minLen || len(code) > opts.maxLen {
			continue
		}
		fn(code)
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// writeCodes inserts codes in batches. Existing codes are left untouched.
func writeCodes(ctx context.Context, repo *repository.DiscountRepository, template pricing.CodeRule, codes []string) error {
	slog.Info("writing codes to database", slog.Int("count", len(codes)))

	var inserted int64
	for start := 0; start < len(codes); start += batchSize {
		end := min(start+batchSize, len(codes))

		n, err := repo.ImportCodes(ctx, template, codes[start:end])
		if err != nil {
			return err
		}
		inserted += n

		slog.Info("write progress",
			slog.Int("written", end),
			slog.Int("total", len(codes)),
			slog.Int64("inserted", inserted),
		)
	}

	slog.Info("existing codes skipped", slog.Int64("count", int64(len(codes))-inserted))
	return nil
}
