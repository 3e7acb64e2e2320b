package pricesource_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/pricesource"
	"dyor-hub-verifier/internal/pricesource/stub"
	"dyor-hub-verifier/internal/storage/memory"
)

const mint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func samples() []*domain.PricePoint {
	return []*domain.PricePoint{
		{TokenID: mint, Timestamp: t0.Add(time.Hour), Price: decimal.RequireFromString("1.01")},
		{TokenID: mint, Timestamp: t0.Add(2 * time.Hour), Price: decimal.RequireFromString("1.02")},
	}
}

func TestArchivingSource_ArchivesFetchedSeries(t *testing.T) {
	ctx := context.Background()
	upstream := stub.NewSource()
	upstream.SetSeries(mint, samples())
	archive := memory.NewPriceTimeseriesStore()

	src := pricesource.NewArchivingSource(upstream, archive, nil)

	points, err := src.GetPriceSeries(ctx, mint, t0, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("GetPriceSeries: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}

	// Second fetch must not duplicate archived rows.
	if _, err := src.GetPriceSeries(ctx, mint, t0, t0.Add(24*time.Hour)); err != nil {
		t.Fatalf("GetPriceSeries: %v", err)
	}

	archived, err := pricesource.NewStoreSource(archive).GetPriceSeries(ctx, mint, t0, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("StoreSource: %v", err)
	}
	if len(archived) != 2 {
		t.Errorf("expected 2 archived points, got %d", len(archived))
	}
}

func TestArchivingSource_PassesErrorsThrough(t *testing.T) {
	upstream := stub.NewSource()
	upstream.QueueError(mint, &pricesource.Error{Kind: pricesource.KindRateLimited, TokenID: mint})

	src := pricesource.NewArchivingSource(upstream, memory.NewPriceTimeseriesStore(), nil)

	_, err := src.GetPriceSeries(context.Background(), mint, t0, t0.Add(time.Hour))
	if !errors.Is(err, pricesource.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

type failingStore struct {
	*memory.PriceTimeseriesStore
}

func (failingStore) InsertMissing(context.Context, []*domain.PricePoint) (int, error) {
	return 0, errors.New("archive down")
}

func TestArchivingSource_ArchiveFailureIsBestEffort(t *testing.T) {
	upstream := stub.NewSource()
	upstream.SetSeries(mint, samples())

	src := pricesource.NewArchivingSource(upstream, failingStore{memory.NewPriceTimeseriesStore()}, nil)

	points, err := src.GetPriceSeries(context.Background(), mint, t0, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("archive failure must not fail the fetch: %v", err)
	}
	if len(points) != 2 {
		t.Errorf("expected 2 points, got %d", len(points))
	}
}

func TestStoreSource_EmptyRangeIsNoData(t *testing.T) {
	src := pricesource.NewStoreSource(memory.NewPriceTimeseriesStore())

	_, err := src.GetPriceSeries(context.Background(), mint, t0, t0.Add(time.Hour))
	if pricesource.KindOf(err) != pricesource.KindNoData {
		t.Errorf("expected no_data, got %v", err)
	}
}

func TestStubSource_QueuedErrorsFirst(t *testing.T) {
	ctx := context.Background()
	src := stub.NewSource()
	src.SetSeries(mint, samples())
	src.QueueError(mint, &pricesource.Error{Kind: pricesource.KindTransient, TokenID: mint})

	if _, err := src.GetPriceSeries(ctx, mint, t0, t0.Add(24*time.Hour)); !errors.Is(err, pricesource.ErrTransient) {
		t.Fatalf("expected queued transient error, got %v", err)
	}
	if _, err := src.GetPriceSeries(ctx, mint, t0, t0.Add(24*time.Hour)); err != nil {
		t.Fatalf("expected series after queued error, got %v", err)
	}
	if src.Calls(mint) != 2 {
		t.Errorf("expected 2 calls, got %d", src.Calls(mint))
	}
}
