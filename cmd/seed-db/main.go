package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-pricing/internal/domain/auth"
	"github.com/xenking/kart-pricing/internal/domain/pricing"
	"github.com/xenking/kart-pricing/internal/repository"
)

// Demo stores. Store 1 carries the reference promotions, store 2 only a
// free-shipping rule.
const (
	demoStoreID         int64 = 1
	freeShippingStoreID int64 = 2
)

func main() {
	_ = godotenv.Load()

	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("KART_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or KART_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("KART_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL, repository.PoolConfig{})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	discounts := repository.NewDiscountRepository(pool)

	if err := seedAutomaticRules(ctx, discounts); err != nil {
		return errors.Wrap(err, "seed automatic discounts")
	}

	if err := seedCodes(ctx, discounts); err != nil {
		return errors.Wrap(err, "seed discount codes")
	}

	if err := seedPremiumClub(ctx, pool); err != nil {
		return errors.Wrap(err, "seed premium club")
	}

	if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedAutomaticRules(ctx context.Context, repo *repository.DiscountRepository) error {
	slog.Info("seeding automatic discounts")

	rules := []pricing.AutomaticRule{
		{
			StoreID:             demoStoreID,
			Name:                "Auto 10%",
			Type:                pricing.DiscountPercentage,
			Value:               decimal.NewFromInt(10),
			IsActive:            true,
			Priority:            10,
			Scope:               pricing.Scope{AppliesTo: pricing.AppliesToAll},
			CanCombineWithCodes: true,
		},
		{
			StoreID:            freeShippingStoreID,
			Name:               "Free shipping over 150",
			Type:               pricing.DiscountFreeShipping,
			IsActive:           true,
			Priority:           1,
			Scope:              pricing.Scope{AppliesTo: pricing.AppliesToAll},
			MinimumOrderAmount: decimal.NewNullDecimal(decimal.NewFromInt(150)),
		},
	}

	for _, r := range rules {
		id, err := repo.UpsertAutomaticRule(ctx, r)
		if err != nil {
			return err
		}

		slog.Info("upserted automatic discount",
			slog.Int64("id", id),
			slog.Int64("store_id", r.StoreID),
			slog.String("name", r.Name),
		)
	}

	return nil
}

var welcomeUsageLimit = 1

func seedCodes(ctx context.Context, repo *repository.DiscountRepository) error {
	slog.Info("seeding discount codes")

	codes := []pricing.CodeRule{
		{
			StoreID:                 demoStoreID,
			Code:                    "SAVE50",
			Type:                    pricing.DiscountFixedAmount,
			Value:                   decimal.NewFromInt(50),
			IsActive:                true,
			Scope:                   pricing.Scope{AppliesTo: pricing.AppliesToAll},
			CanCombineWithAutomatic: true,
		},
		{
			StoreID:                 demoStoreID,
			Code:                    "BIGSPENDER",
			Type:                    pricing.DiscountPercentage,
			Value:                   decimal.NewFromInt(50),
			IsActive:                true,
			Scope:                   pricing.Scope{AppliesTo: pricing.AppliesToAll},
			CanCombineWithAutomatic: true,
			MinimumOrderAmount:      decimal.NewNullDecimal(decimal.NewFromInt(300)),
		},
		{
			StoreID:                 demoStoreID,
			Code:                    "EXCLUSIVE",
			Type:                    pricing.DiscountFixedAmount,
			Value:                   decimal.NewFromInt(100),
			IsActive:                true,
			Scope:                   pricing.Scope{AppliesTo: pricing.AppliesToAll},
			CanCombineWithAutomatic: false,
		},
		{
			StoreID:                 demoStoreID,
			Code:                    "WELCOME10",
			Type:                    pricing.DiscountPercentage,
			Value:                   decimal.NewFromInt(10),
			IsActive:                true,
			Scope:                   pricing.Scope{AppliesTo: pricing.AppliesToAll},
			CanCombineWithAutomatic: true,
			UsageLimit:              &welcomeUsageLimit,
		},
		{
			StoreID:                 demoStoreID,
			Code:                    "VIP20",
			Type:                    pricing.DiscountPercentage,
			Value:                   decimal.NewFromInt(20),
			IsActive:                true,
			Scope:                   pricing.Scope{AppliesTo: pricing.AppliesToAll},
			CanCombineWithAutomatic: true,
			Conditions:              pricing.Conditions{CustomerSegment: "vip"},
		},
	}

	for _, c := range codes {
		id, err := repo.UpsertCodeRule(ctx, c)
		if err != nil {
			return err
		}

		slog.Info("upserted discount code", slog.Int64("id", id), slog.String("code", c.Code))
	}

	return nil
}

// seedPremiumClub enables a two-tier club on the demo store.
func seedPremiumClub(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding premium club")

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	tier := func(slug, discountType string, value int, freeShipping bool) {
		e.ObjStart()
		e.FieldStart("slug")
		e.Str(slug)
		e.FieldStart("discount")
		e.ObjStart()
		e.FieldStart("type")
		e.Str(discountType)
		e.FieldStart("value")
		e.Int(value)
		e.ObjEnd()
		e.FieldStart("benefits")
		e.ObjStart()
		e.FieldStart("freeShipping")
		e.Bool(freeShipping)
		e.ObjEnd()
		e.ObjEnd()
	}

	e.ObjStart()
	e.FieldStart("tiers")
	e.ArrStart()
	tier("silver", "FIXED", 10, false)
	tier("gold", "PERCENTAGE", 5, true)
	e.ArrEnd()
	e.ObjEnd()

	club := repository.NewPremiumClubRepository(pool)
	if err := club.SaveConfig(ctx, demoStoreID, true, e.Bytes()); err != nil {
		return err
	}

	slog.Info("upserted premium club", slog.Int64("store_id", demoStoreID))

	return nil
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	info := auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default order service key",
		Scopes:  []string{auth.ScopeRedeemCodes},
	}
	if err := repository.NewAPIKeyRepository(pool).Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", info.ID), slog.String("name", info.Name))

	return nil
}
