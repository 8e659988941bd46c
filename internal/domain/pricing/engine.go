package pricing

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Options configures optional Engine collaborators. Zero values fall back to
// no-op implementations.
type Options struct {
	Tiers          TierResolver
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Engine sequences a store's discount rules over a cart. It holds no
// per-cart state and is safe for concurrent use.
type Engine struct {
	catalog Catalog
	tiers   TierResolver
	lg      *zap.Logger
	now     func() time.Time

	tracer       trace.Tracer
	calculations metric.Int64Counter
	codeChecks   metric.Int64Counter
}

// NewEngine creates an Engine reading rules from catalog.
func NewEngine(catalog Catalog, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = metricnoop.NewMeterProvider()
	}

	meter := opts.MeterProvider.Meter("kart-pricing/pricing")
	calculations, err := meter.Int64Counter("pricing.calculations",
		metric.WithDescription("Cart calculations by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create calculations counter")
	}
	codeChecks, err := meter.Int64Counter("pricing.code.checks",
		metric.WithDescription("Requested discount codes by whether they applied"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create code checks counter")
	}

	return &Engine{
		catalog:      catalog,
		tiers:        opts.Tiers,
		lg:           opts.Logger,
		now:          time.Now,
		tracer:       opts.TracerProvider.Tracer("kart-pricing/pricing"),
		calculations: calculations,
		codeChecks:   codeChecks,
	}, nil
}

// Calculate prices the cart described by in. Rules are loaded fresh on every
// call. A malformed cart yields an error matching ErrInvalidInput; a failed
// rule load yields a *CatalogError and no result.
func (e *Engine) Calculate(ctx context.Context, in Input) (*Result, error) {
	res, _, err := e.calculate(ctx, in)
	return res, err
}

// codeOutcome reports what happened to the requested code.
type codeOutcome struct {
	requested bool
	rule      *CodeRule
	verdict   Verdict
	applied   *AppliedDiscount
}

func (e *Engine) calculate(ctx context.Context, in Input) (_ *Result, _ codeOutcome, rerr error) {
	ctx, span := e.tracer.Start(ctx, "pricing.Calculate",
		trace.WithAttributes(
			attribute.Int64("kart.store_id", in.StoreID),
			attribute.Int("kart.cart.lines", len(in.Items)),
		),
	)
	defer func() {
		outcome := "ok"
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			outcome = "invalid"
			var catErr *CatalogError
			if errors.As(rerr, &catErr) {
				outcome = "unavailable"
			}
		}
		e.calculations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		span.End()
	}()

	if err := validateInput(in); err != nil {
		return nil, codeOutcome{}, err
	}
	code := NormalizeCode(in.DiscountCode)

	rules, err := e.catalog.LoadAutomaticRules(ctx, in.StoreID)
	if err != nil {
		return nil, codeOutcome{}, e.catalogFailure(in.StoreID, "load automatic rules", err)
	}

	var codeRule *CodeRule
	if code != "" {
		codeRule, err = e.catalog.LoadCodeRule(ctx, in.StoreID, code)
		switch {
		case errors.Is(err, ErrCodeNotFound):
			codeRule = nil
		case err != nil:
			return nil, codeOutcome{}, e.catalogFailure(in.StoreID, "load code rule", err)
		}
	}

	var tier *TierDiscount
	if in.CustomerTier != "" && e.tiers != nil {
		tier, err = e.tiers.ResolveTier(ctx, in.StoreID, in.CustomerTier)
		if err != nil {
			return nil, codeOutcome{}, e.catalogFailure(in.StoreID, "resolve customer tier", err)
		}
	}

	s := &sequencer{
		lg:   e.lg.With(zap.Int64("store_id", in.StoreID)),
		now:  e.now(),
		cart: NewSnapshot(in.Items),
	}
	s.cart.Segment = in.CustomerSegment
	res, outcome := s.run(in, code, rules, codeRule, tier)

	if outcome.requested {
		e.codeChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("applied", outcome.applied != nil)))
	}
	span.SetAttributes(
		attribute.Int("kart.discounts", len(res.Discounts)),
		attribute.String("kart.total", res.Total.StringFixed(2)),
	)
	return res, outcome, nil
}

func (e *Engine) catalogFailure(storeID int64, op string, err error) error {
	e.lg.Warn("Rule catalog unavailable",
		zap.Int64("store_id", storeID),
		zap.String("op", op),
		zap.Error(err),
	)
	return &CatalogError{StoreID: storeID, Op: op, Err: err}
}

// sequencer is the per-call state of one calculation.
type sequencer struct {
	lg   *zap.Logger
	now  time.Time
	cart Snapshot

	discounted    []decimal.Decimal
	lineDiscounts [][]LineDiscount
	discounts     []AppliedDiscount
	waived        bool
}

func (s *sequencer) run(in Input, code string, rules []AutomaticRule, codeRule *CodeRule, tier *TierDiscount) (*Result, codeOutcome) {
	n := len(s.cart.Lines)
	s.discounted = make([]decimal.Decimal, n)
	s.lineDiscounts = make([][]LineDiscount, n)
	for i := range n {
		s.discounted[i] = decimal.Zero
		s.lineDiscounts[i] = []LineDiscount{}
	}
	s.discounts = []AppliedDiscount{}
	warnings := []string{}

	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b AutomaticRule) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	applied := 0
	for _, r := range sorted {
		c := r.Candidate()
		if c.Type == DiscountFreeShipping && s.waived {
			continue
		}
		v := Evaluate(c, s.cart, s.now, applied)
		if !v.Eligible {
			s.lg.Debug("Automatic discount skipped",
				zap.Int64("rule_id", r.ID),
				zap.String("reason", v.Reason),
			)
			continue
		}
		if s.apply(c) != nil {
			applied++
		}
	}

	var outcome codeOutcome
	if code != "" {
		outcome.requested = true
		outcome.rule = codeRule
		if codeRule == nil {
			outcome.verdict = rejected(ReasonCodeNotFound)
		} else {
			c := codeRule.Candidate()
			outcome.verdict = Evaluate(c, s.cart, s.now, applied)
			if outcome.verdict.Eligible {
				outcome.applied = s.apply(c)
				if outcome.applied == nil {
					outcome.verdict = rejected(ReasonNoEffect)
				}
			}
		}
		if !outcome.verdict.Eligible {
			s.lg.Debug("Discount code rejected",
				zap.String("code", code),
				zap.String("reason", outcome.verdict.Reason),
			)
			warnings = append(warnings, outcome.verdict.Reason)
		}
	}

	if tier != nil {
		c := tier.Candidate()
		if c.Type == DiscountPercentage || c.Type == DiscountFixedAmount {
			s.apply(c)
		}
		if tier.FreeShipping && !s.waived {
			c.Type = DiscountFreeShipping
			s.apply(c)
		}
	}

	return s.assemble(in.ShippingRate, warnings), outcome
}

// apply allocates c against the running per-line discounts and records it.
// It returns nil when the rule contributes nothing.
func (s *sequencer) apply(c Candidate) *AppliedDiscount {
	a := Allocate(c, s.cart.Lines, s.discounted)
	if a.WaivesShipping {
		if s.waived {
			return nil
		}
		s.waived = true
	} else if !a.Total.IsPositive() {
		return nil
	}

	for i, amt := range a.PerLine {
		if !amt.IsPositive() {
			continue
		}
		s.discounted[i] = s.discounted[i].Add(amt)
		s.lineDiscounts[i] = append(s.lineDiscounts[i], LineDiscount{
			Source: c.Source,
			RuleID: c.RuleID,
			Amount: amt,
		})
	}

	d := AppliedDiscount{
		Source: c.Source,
		RuleID: c.RuleID,
		Name:   c.Name,
		Code:   c.Code,
		Type:   c.Type,
		Amount: a.Total.Round(2),
	}
	s.discounts = append(s.discounts, d)
	s.lg.Debug("Discount applied",
		zap.String("source", string(c.Source)),
		zap.Int64("rule_id", c.RuleID),
		zap.String("type", string(c.Type)),
		zap.String("amount", d.Amount.StringFixed(2)),
	)
	return &d
}

func (s *sequencer) assemble(rate *ShippingRate, warnings []string) *Result {
	res := &Result{
		Items:     make([]LineResult, len(s.cart.Lines)),
		Discounts: s.discounts,
		Subtotal:  s.cart.Subtotal,
		Warnings:  warnings,
		IsValid:   true,
	}

	for i, line := range s.cart.Lines {
		sub := line.Amount().Round(2)
		disc := s.discounted[i].Round(2)
		res.Items[i] = LineResult{
			Item:                   line,
			LineSubtotal:           sub,
			LineDiscount:           disc,
			LineTotalAfterDiscount: floorAtZero(sub.Sub(disc)),
			Discounts:              s.lineDiscounts[i],
		}
	}

	res.TotalDiscount = decimal.Zero
	for _, d := range s.discounts {
		res.TotalDiscount = res.TotalDiscount.Add(d.Amount)
	}
	res.TotalDiscount = res.TotalDiscount.Round(2)
	res.SubtotalAfterDiscount = floorAtZero(res.Subtotal.Sub(res.TotalDiscount))

	res.ShippingBeforeDiscount = decimal.Zero
	res.ShippingAfterDiscount = decimal.Zero
	if rate != nil {
		res.ShippingBeforeDiscount = rate.Price.Round(2)
		switch {
		case s.waived:
		case rate.FreeShippingThreshold.Valid && res.Subtotal.GreaterThanOrEqual(rate.FreeShippingThreshold.Decimal):
		default:
			res.ShippingAfterDiscount = res.ShippingBeforeDiscount
		}
	}
	res.ShippingDiscount = res.ShippingBeforeDiscount.Sub(res.ShippingAfterDiscount)
	res.ShippingWaived = s.waived

	res.Total = res.SubtotalAfterDiscount.Add(res.ShippingAfterDiscount).Round(2)
	return res
}

func validateInput(in Input) error {
	if in.StoreID <= 0 {
		return fmt.Errorf("%w: store id is required", ErrInvalidInput)
	}
	if len(in.Items) == 0 {
		return ErrEmptyCart
	}

	seen := make(map[string]struct{}, len(in.Items))
	for _, item := range in.Items {
		if item.VariantID == "" {
			return &InvalidLineError{VariantID: item.VariantID, Field: "variantId", Reason: "is required"}
		}
		if _, dup := seen[item.VariantID]; dup {
			return &InvalidLineError{VariantID: item.VariantID, Field: "variantId", Reason: "is duplicated"}
		}
		seen[item.VariantID] = struct{}{}

		if item.UnitPrice.IsNegative() {
			return &InvalidLineError{VariantID: item.VariantID, Field: "unitPrice", Reason: "must not be negative"}
		}
		if item.Quantity <= 0 {
			return &InvalidLineError{VariantID: item.VariantID, Field: "quantity", Reason: "must be greater than 0"}
		}
	}

	if r := in.ShippingRate; r != nil && r.Price.IsNegative() {
		return fmt.Errorf("%w: shipping rate price must not be negative", ErrInvalidInput)
	}
	return nil
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
