package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"coupon-service/internal/redisclient"

	"github.com/spf13/cobra"
)

var (
	stockCmd = &cobra.Command{
		Use:   "stock",
		Short: "Provision and inspect coupon stock",
	}

	stockSetCmd = &cobra.Command{
		Use:   "set [coupon_id] [quantity]",
		Short: "Sets the stock of a coupon, overwriting any current value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			couponID, err := parseCouponID(args[0])
			if err != nil {
				return err
			}
			quantity, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("quantity must be a number: %w", err)
			}

			return withCounterStore(func(ctx context.Context, client *redisclient.Client) error {
				if err := client.ProvisionStock(ctx, couponID, quantity); err != nil {
					return err
				}
				fmt.Printf("coupon %d stock set to %d\n", couponID, quantity)
				return nil
			})
		},
	}

	stockGetCmd = &cobra.Command{
		Use:   "get [coupon_id]",
		Short: "Prints the remaining stock of a coupon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			couponID, err := parseCouponID(args[0])
			if err != nil {
				return err
			}

			return withCounterStore(func(ctx context.Context, client *redisclient.Client) error {
				stock, found, err := client.Stock(ctx, couponID)
				if err != nil {
					return err
				}
				if !found {
					fmt.Printf("coupon %d has no stock counter\n", couponID)
					return nil
				}
				fmt.Printf("coupon %d: %d remaining\n", couponID, stock)
				return nil
			})
		},
	}

	stockSeedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Provisions SEED_STOCK for coupons that have no counter yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(cfg.Business.SeedStock) == 0 {
				fmt.Println("SEED_STOCK is empty, nothing to do")
				return nil
			}

			return withCounterStore(func(ctx context.Context, client *redisclient.Client) error {
				for couponID, quantity := range cfg.Business.SeedStock {
					created, err := client.ProvisionStockIfAbsent(ctx, couponID, quantity)
					if err != nil {
						return err
					}
					if created {
						fmt.Printf("coupon %d seeded with %d\n", couponID, quantity)
					} else {
						fmt.Printf("coupon %d already provisioned, skipped\n", couponID)
					}
				}
				return nil
			})
		},
	}
)

func init() {
	stockCmd.AddCommand(stockSetCmd)
	stockCmd.AddCommand(stockGetCmd)
	stockCmd.AddCommand(stockSeedCmd)
}

func withCounterStore(fn func(ctx context.Context, client *redisclient.Client) error) error {
	client, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, client)
}

func parseCouponID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("coupon_id must be a positive number, got %q", s)
	}
	return id, nil
}
