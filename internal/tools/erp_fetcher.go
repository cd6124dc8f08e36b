package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const ERPFetcherName = "ERP_FETCHER"

type MaintenanceSchedule struct {
	LastService string `json:"last_service"`
	NextDue     string `json:"next_due"`
	Status      string `json:"status"`
}

type AssetRecord struct {
	AssetID             string              `json:"asset_id"`
	PurchaseDate        string              `json:"purchase_date"`
	MaintenanceSchedule MaintenanceSchedule `json:"maintenance_schedule"`
}

// ERPFetcher returns the maintenance record for an asset id.
type ERPFetcher struct {
	Logger *slog.Logger
}

func (f *ERPFetcher) Name() string { return ERPFetcherName }

func (f *ERPFetcher) Execute(_ context.Context, input string) (string, error) {
	item, _ := SplitInput(input)
	assetID := strings.TrimSpace(item)
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("erp fetcher querying maintenance database", "tool", ERPFetcherName, "asset_id", assetID)

	out, err := json.MarshalIndent(AssetRecord{
		AssetID:      assetID,
		PurchaseDate: "2018-05-20",
		MaintenanceSchedule: MaintenanceSchedule{
			LastService: "2022-01-01",
			NextDue:     "2023-01-01",
			Status:      "OVERDUE_FLAGS_ACTIVE",
		},
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode asset record: %w", err)
	}
	return string(out), nil
}
