package wallet

import (
	"context"
	"errors"
	"log/slog"

	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/metrics"
	"github.com/renderbill/backend/internal/models"
)

// Store is the ledger surface the wallet service needs.
type Store interface {
	Reserve(ctx context.Context, p ledger.ReserveParams) (*ledger.ReserveResult, error)
	BalanceOf(ctx context.Context, userID, currency string) (int64, error)
	WalletCurrency(ctx context.Context, userID string) (string, error)
	ListReceipts(ctx context.Context, userID string) ([]models.Receipt, error)
}

// Service answers balance queries and performs reservations against the
// receipt ledger. Balances are always recomputed from receipts.
type Service struct {
	Store           Store
	DefaultCurrency string
	Logger          *slog.Logger
}

func NewService(store Store, defaultCurrency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultCurrency == "" {
		defaultCurrency = "usd"
	}
	return &Service{Store: store, DefaultCurrency: defaultCurrency, Logger: logger}
}

// Summary is the wallet state derived from receipt history.
type Summary struct {
	UserID       string `json:"user_id"`
	Currency     string `json:"currency"`
	BalanceCents int64  `json:"balance_cents"`
}

// Summary returns the wallet balance in the wallet's locked currency, or
// the default currency for a wallet with no history.
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	currency, err := s.Store.WalletCurrency(ctx, userID)
	if err != nil {
		return nil, err
	}
	if currency == "" {
		currency = s.DefaultCurrency
	}
	balance, err := s.Store.BalanceOf(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	return &Summary{UserID: userID, Currency: currency, BalanceCents: balance}, nil
}

// Receipts returns the user's receipt history, newest first.
func (s *Service) Receipts(ctx context.Context, userID string) ([]models.Receipt, error) {
	return s.Store.ListReceipts(ctx, userID)
}

// Reserve atomically verifies the balance covers the quoted amount and
// appends the charge receipt. Callers receive the sentinel errors from the
// ledger package unchanged.
func (s *Service) Reserve(ctx context.Context, p ledger.ReserveParams) (*ledger.ReserveResult, error) {
	res, err := s.Store.Reserve(ctx, p)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			metrics.Reservations.WithLabelValues("insufficient_funds").Inc()
		case errors.Is(err, ledger.ErrCurrencyMismatch):
			metrics.Reservations.WithLabelValues("currency_mismatch").Inc()
		default:
			metrics.Reservations.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.Reservations.WithLabelValues("ok").Inc()
	if res.AlreadyCharged {
		s.Logger.Info("reservation replayed",
			"user_id", p.UserID, "job_id", p.JobID, "amount_cents", res.Receipt.AmountCents)
		return res, nil
	}
	s.Logger.Info("wallet reserved",
		"user_id", p.UserID, "job_id", p.JobID,
		"amount_cents", p.AmountCents, "remaining_cents", res.RemainingCents)
	return res, nil
}
