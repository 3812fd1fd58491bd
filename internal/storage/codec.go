// Package storage holds the durable remit.Store implementations: an embedded
// bbolt file for single-node deployments and PostgreSQL for shared ones.
package storage

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"remitrails/internal/remit"
)

// Records are persisted with addresses as hex and amounts as base-10 strings
// so the stored form stays readable and independent of word size.

type totalsRecord struct {
	Sent     string `json:"sent"`
	Received string `json:"received"`
}

type profileRecord struct {
	Account          string                  `json:"account"`
	PhoneNumber      string                  `json:"phoneNumber"`
	DisplayName      string                  `json:"displayName"`
	Totals           map[string]totalsRecord `json:"totals"`
	TransactionCount uint64                  `json:"transactionCount"`
	RegisteredAt     time.Time               `json:"registeredAt"`
}

type remittanceRecord struct {
	ID             uint64    `json:"id"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	RecipientPhone string    `json:"recipientPhone"`
	Token          string    `json:"token"`
	Amount         string    `json:"amount"`
	Fee            string    `json:"fee"`
	ExchangeRate   string    `json:"exchangeRate,omitempty"`
	Reference      string    `json:"reference,omitempty"`
	Status         string    `json:"status"`
	KycVerified    bool      `json:"kycVerified"`
	CreatedAt      time.Time `json:"createdAt"`
	SettledAt      time.Time `json:"settledAt,omitempty"`
	SettledBy      string    `json:"settledBy,omitempty"`
}

type paramsRecord struct {
	FeeRateBps uint32   `json:"feeRateBps"`
	Paused     bool     `json:"paused"`
	Tokens     []string `json:"tokens"`
}

func encodeTotals(in map[common.Address]remit.TokenTotals) map[string]totalsRecord {
	out := make(map[string]totalsRecord, len(in))
	for token, t := range in {
		out[token.Hex()] = totalsRecord{
			Sent:     amountString(t.Sent),
			Received: amountString(t.Received),
		}
	}
	return out
}

func decodeTotals(in map[string]totalsRecord) (map[common.Address]remit.TokenTotals, error) {
	out := make(map[common.Address]remit.TokenTotals, len(in))
	for token, t := range in {
		addr, err := parseAddress(token)
		if err != nil {
			return nil, err
		}
		sent, err := parseAmount(t.Sent)
		if err != nil {
			return nil, err
		}
		received, err := parseAmount(t.Received)
		if err != nil {
			return nil, err
		}
		out[addr] = remit.TokenTotals{Sent: sent, Received: received}
	}
	return out, nil
}

func encodeProfile(p *remit.Profile) profileRecord {
	return profileRecord{
		Account:          p.Account.Hex(),
		PhoneNumber:      p.PhoneNumber,
		DisplayName:      p.DisplayName,
		Totals:           encodeTotals(p.Totals),
		TransactionCount: p.TransactionCount,
		RegisteredAt:     p.RegisteredAt.UTC(),
	}
}

func decodeProfile(r profileRecord) (*remit.Profile, error) {
	acct, err := parseAddress(r.Account)
	if err != nil {
		return nil, err
	}
	totals, err := decodeTotals(r.Totals)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", r.Account, err)
	}
	return &remit.Profile{
		Account:          acct,
		PhoneNumber:      r.PhoneNumber,
		DisplayName:      r.DisplayName,
		Totals:           totals,
		TransactionCount: r.TransactionCount,
		RegisteredAt:     r.RegisteredAt,
	}, nil
}

func encodeRemittance(r *remit.Remittance) remittanceRecord {
	rec := remittanceRecord{
		ID:             r.ID,
		Sender:         r.Sender.Hex(),
		Recipient:      r.Recipient.Hex(),
		RecipientPhone: r.RecipientPhone,
		Token:          r.Token.Hex(),
		Amount:         amountString(r.Amount),
		Fee:            amountString(r.Fee),
		ExchangeRate:   r.ExchangeRate,
		Reference:      r.Reference,
		Status:         r.Status.String(),
		KycVerified:    r.KycVerified,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if !r.SettledAt.IsZero() {
		rec.SettledAt = r.SettledAt.UTC()
		rec.SettledBy = r.SettledBy.Hex()
	}
	return rec
}

func decodeRemittance(rec remittanceRecord) (*remit.Remittance, error) {
	r := &remit.Remittance{
		ID:             rec.ID,
		RecipientPhone: rec.RecipientPhone,
		ExchangeRate:   rec.ExchangeRate,
		Reference:      rec.Reference,
		KycVerified:    rec.KycVerified,
		CreatedAt:      rec.CreatedAt,
		SettledAt:      rec.SettledAt,
	}
	var err error
	if r.Sender, err = parseAddress(rec.Sender); err != nil {
		return nil, err
	}
	if r.Recipient, err = parseAddress(rec.Recipient); err != nil {
		return nil, err
	}
	if r.Token, err = parseAddress(rec.Token); err != nil {
		return nil, err
	}
	if rec.SettledBy != "" {
		if r.SettledBy, err = parseAddress(rec.SettledBy); err != nil {
			return nil, err
		}
	}
	if r.Amount, err = parseAmount(rec.Amount); err != nil {
		return nil, fmt.Errorf("remittance %d: %w", rec.ID, err)
	}
	if r.Fee, err = parseAmount(rec.Fee); err != nil {
		return nil, fmt.Errorf("remittance %d: %w", rec.ID, err)
	}
	status, ok := remit.ParseStatus(rec.Status)
	if !ok {
		return nil, fmt.Errorf("remittance %d: unknown status %q", rec.ID, rec.Status)
	}
	r.Status = status
	return r, nil
}

func encodeParams(p *remit.Params) paramsRecord {
	rec := paramsRecord{FeeRateBps: p.FeeRateBps, Paused: p.Paused, Tokens: []string{}}
	for token, ok := range p.Tokens {
		if ok {
			rec.Tokens = append(rec.Tokens, token.Hex())
		}
	}
	return rec
}

func decodeParams(rec paramsRecord) (*remit.Params, error) {
	p := &remit.Params{
		FeeRateBps: rec.FeeRateBps,
		Paused:     rec.Paused,
		Tokens:     make(map[common.Address]bool, len(rec.Tokens)),
	}
	for _, token := range rec.Tokens {
		addr, err := parseAddress(token)
		if err != nil {
			return nil, err
		}
		p.Tokens[addr] = true
	}
	return p, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
