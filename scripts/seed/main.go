package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacore/internal/app"
	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/internal/pricing"
	"github.com/odyssey-erp/pharmacore/internal/purchasing"
	"github.com/odyssey-erp/pharmacore/internal/shared"
	"github.com/odyssey-erp/pharmacore/migrations"
)

const seedActor int64 = 1

type product struct {
	id        int64
	batch     string
	expiry    time.Time
	quantity  int64
	free      int64
	ptr       string
	salePrice string
	mrp       string
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// Seeding never publishes events.
	cfg.KafkaBrokers = nil
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions())
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	fmt.Println("→ Applying schema...")
	if err := migrations.Apply(ctx, pool); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	services := app.NewServices(app.ServiceDeps{Config: cfg, Logger: logger, Pool: pool})
	defer services.Close()

	today := shared.DateOf(time.Now())
	catalog := []product{
		{id: 1001, batch: "PCM-2401", expiry: today.AddDate(0, 0, 25), quantity: 40, ptr: "8.50", salePrice: "12.00", mrp: "14.00"},
		{id: 1001, batch: "PCM-2407", expiry: today.AddDate(1, 0, 0), quantity: 120, free: 10, ptr: "8.20", salePrice: "12.00", mrp: "14.00"},
		{id: 1002, batch: "AMX-2403", expiry: today.AddDate(0, 2, 0), quantity: 60, ptr: "54.00", salePrice: "72.00", mrp: "80.00"},
		{id: 1003, batch: "ORS-2405", expiry: today.AddDate(0, 6, 0), quantity: 200, ptr: "15.75", salePrice: "21.00", mrp: "24.00"},
	}

	fmt.Println("→ Seeding opening prices...")
	if err := seedPrices(ctx, services.Pricing, catalog, today.AddDate(0, -1, 0)); err != nil {
		log.Fatalf("seed prices: %v", err)
	}

	fmt.Println("→ Seeding purchase invoice...")
	if err := seedInvoice(ctx, services, catalog, today); err != nil {
		log.Fatalf("seed invoice: %v", err)
	}

	fmt.Println("✓ Seed complete")
}

func seedPrices(ctx context.Context, svc *pricing.Service, catalog []product, effective time.Time) error {
	seen := make(map[int64]bool)
	for _, p := range catalog {
		if seen[p.id] {
			continue
		}
		seen[p.id] = true
		if _, err := svc.CurrentPrice(ctx, p.id, effective); err == nil {
			continue
		} else if !errors.Is(err, pricing.ErrPriceNotFound) {
			return err
		}
		_, err := svc.PostPrice(ctx, p.id, pricing.PriceInput{
			SalePrice: decimal.RequireFromString(p.salePrice),
			MRP:       decimal.RequireFromString(p.mrp),
			TaxPct:    decimal.NewFromInt(12),
			Method:    pricing.MethodManual,
			Reason:    "opening price",
			ActorID:   seedActor,
		}, effective)
		if err != nil {
			return fmt.Errorf("product %d: %w", p.id, err)
		}
	}
	return nil
}

func seedInvoice(ctx context.Context, services *app.Services, catalog []product, today time.Time) error {
	items := make([]purchasing.ItemInput, 0, len(catalog))
	for _, p := range catalog {
		items = append(items, purchasing.ItemInput{
			ProductID:    p.id,
			Type:         purchasing.ItemRegular,
			BatchNumber:  p.batch,
			ExpiryDate:   p.expiry,
			Quantity:     p.quantity,
			FreeQuantity: p.free,
			PTRValue:     decimal.RequireFromString(p.ptr),
			TaxPct:       decimal.NewFromInt(12),
			SalePrice:    decimal.RequireFromString(p.salePrice),
			MRP:          decimal.RequireFromString(p.mrp),
			ActorID:      seedActor,
		})
	}

	detail, err := services.Purchasing.CreateInvoice(ctx, purchasing.CreateInvoiceInput{
		VendorID:    501,
		VendorGSTIN: "27AABCM1234F1Z5",
		InvoiceNo:   "SEED-" + today.Format("20060102"),
		InvoiceDate: today,
		Comments:    "demo stock",
		Items:       items,
		ActorID:     seedActor,
	})
	if errors.Is(err, shared.ErrConflict) {
		fmt.Println("  invoice already seeded, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(detail.Items))
	for _, item := range detail.Items {
		ids = append(ids, item.ID)
	}
	if _, err := services.Purchasing.VerifyItems(ctx, detail.ID, ids, seedActor); err != nil {
		return err
	}
	completed, err := services.Purchasing.CompleteInvoice(ctx, detail.ID, seedActor)
	if err != nil {
		return err
	}
	fmt.Printf("  %s completed, total %s\n", completed.GRNo, completed.Total.StringFixed(2))

	// Half payment leaves the invoice PARTIAL so the ITC reversal job has work.
	half := completed.Total.Div(decimal.NewFromInt(2)).Round(2)
	if _, _, err := services.Purchasing.RecordPayment(ctx, purchasing.PaymentInput{
		InvoiceID: detail.ID,
		Amount:    half,
		PaidOn:    today,
		Mode:      "NEFT",
		TransRef:  "SEED-PAY-1",
		ActorID:   seedActor,
	}); err != nil {
		return err
	}
	return nil
}
