package remit

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

const maxDisplayNameLength = 64

var (
	phonePattern  = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	phoneReplacer = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// NormalizePhone strips common separators and checks the result looks like an
// E.164 number.
func NormalizePhone(raw string) (string, error) {
	phone := phoneReplacer.Replace(strings.TrimSpace(raw))
	if phone == "" {
		return "", ErrPhoneRequired
	}
	if !phonePattern.MatchString(phone) {
		return "", fmt.Errorf("%w: %q is not a phone number", ErrPhoneRequired, raw)
	}
	return phone, nil
}

func normalizeDisplayName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidDisplayName, maxDisplayNameLength)
	}
	return name, nil
}

// Register creates the profile of account. Each account and each phone number
// may be registered once.
func (e *Engine) Register(ctx context.Context, account common.Address, phoneNumber, displayName string) (Profile, error) {
	if account == (common.Address{}) {
		return Profile{}, fmt.Errorf("%w: zero account", ErrUnauthorized)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var profile *Profile
	err := e.update(ctx, func(tx Tx, emit func(Event)) error {
		if _, err := loadRunning(tx); err != nil {
			return err
		}
		phone, err := NormalizePhone(phoneNumber)
		if err != nil {
			return err
		}
		name, err := normalizeDisplayName(displayName)
		if err != nil {
			return err
		}
		if owner, ok, err := tx.AccountByPhone(phone); err != nil {
			return err
		} else if ok && owner != account {
			return ErrPhoneAlreadyRegistered
		}
		if _, ok, err := tx.GetProfile(account); err != nil {
			return err
		} else if ok {
			return ErrAccountRegistered
		}
		owner, err := e.identity.ResolveAccountByPhone(ctx, phone)
		switch {
		case err == nil && owner != (common.Address{}) && owner != account:
			return ErrPhoneAlreadyRegistered
		case err != nil && KindOf(err) != KindNotFound:
			return fmt.Errorf("resolve phone: %w", err)
		}

		profile = &Profile{
			Account:      account,
			PhoneNumber:  phone,
			DisplayName:  name,
			Totals:       make(map[common.Address]TokenTotals),
			RegisteredAt: e.timestamp(),
		}
		if err := tx.PutProfile(profile); err != nil {
			return err
		}
		emit(UserRegistered{Account: account, PhoneNumber: phone, DisplayName: name})
		return nil
	})
	if err != nil {
		return Profile{}, err
	}

	e.logger.Info("profile registered", zap.String("account", account.Hex()))
	out := *profile
	out.KycVerified, err = e.identity.IsKycVerified(ctx, account)
	if err != nil {
		e.logger.Warn("kyc lookup failed after registration", zap.String("account", account.Hex()), zap.Error(err))
		out.KycVerified = false
	}
	return out, nil
}

// UpdateDisplayName changes the display name of the caller's own profile.
func (e *Engine) UpdateDisplayName(ctx context.Context, caller common.Address, displayName string) (Profile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var profile *Profile
	err := e.update(ctx, func(tx Tx, emit func(Event)) error {
		if _, err := loadRunning(tx); err != nil {
			return err
		}
		name, err := normalizeDisplayName(displayName)
		if err != nil {
			return err
		}
		p, ok, err := tx.GetProfile(caller)
		if err != nil {
			return err
		}
		if !ok {
			return ErrProfileNotFound
		}
		p.DisplayName = name
		if err := tx.PutProfile(p); err != nil {
			return err
		}
		profile = p
		emit(ProfileUpdated{Account: caller, DisplayName: name})
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	return e.withKyc(ctx, profile)
}

// GetProfile returns the profile of account, or an empty Profile when the
// account is not registered.
func (e *Engine) GetProfile(ctx context.Context, account common.Address) (Profile, error) {
	var profile *Profile
	err := e.store.View(ctx, func(tx Tx) error {
		p, ok, err := tx.GetProfile(account)
		if ok {
			profile = p
		}
		return err
	})
	if err != nil || profile == nil {
		return Profile{}, err
	}
	return e.withKyc(ctx, profile)
}

// GetProfileByPhone returns the profile registered with phone.
func (e *Engine) GetProfileByPhone(ctx context.Context, phone string) (Profile, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return Profile{}, err
	}
	var profile *Profile
	err = e.store.View(ctx, func(tx Tx) error {
		acct, ok, err := tx.AccountByPhone(normalized)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPhoneNotFound
		}
		p, ok, err := tx.GetProfile(acct)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPhoneNotFound
		}
		profile = p
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	return e.withKyc(ctx, profile)
}

func (e *Engine) withKyc(ctx context.Context, p *Profile) (Profile, error) {
	verified, err := e.identity.IsKycVerified(ctx, p.Account)
	if err != nil {
		return Profile{}, fmt.Errorf("kyc status: %w", err)
	}
	out := *p
	out.KycVerified = verified
	return out, nil
}

// recordTransfer credits settled volume to both parties. A recipient without
// a profile (paid through an explicit account) only leaves the sender side.
func recordTransfer(tx Tx, sender, recipient, token common.Address, amount *uint256.Int) error {
	sp, ok, err := tx.GetProfile(sender)
	if err != nil {
		return err
	}
	if ok {
		totals := sp.Totals[token]
		totals.Sent = new(uint256.Int).Add(amountOrZero(totals.Sent), amount)
		totals.Received = amountOrZero(totals.Received)
		sp.Totals[token] = totals
		sp.TransactionCount++
		if err := tx.PutProfile(sp); err != nil {
			return err
		}
	}

	rp, ok, err := tx.GetProfile(recipient)
	if err != nil || !ok {
		return err
	}
	totals := rp.Totals[token]
	totals.Received = new(uint256.Int).Add(amountOrZero(totals.Received), amount)
	totals.Sent = amountOrZero(totals.Sent)
	rp.Totals[token] = totals
	rp.TransactionCount++
	return tx.PutProfile(rp)
}
