package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound        = errors.New("token account not found")
	ErrMintNotFound           = errors.New("mint not found")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientDelegation = errors.New("insufficient delegated amount")
	ErrOwnerMismatch          = errors.New("authority is neither owner nor delegate")
	ErrMintMismatch           = errors.New("mint mismatch")
	ErrDecimalsMismatch       = errors.New("decimals mismatch")
	ErrOverflow               = errors.New("balance overflow")
)

// Mint describes a fungible asset.
type Mint struct {
	Address  Address `json:"address"`
	Decimals uint8   `json:"decimals"`
}

// TokenAccount holds a balance of one mint for one owner, with at most one
// approved delegate.
type TokenAccount struct {
	Address         Address `json:"address"`
	Mint            Address `json:"mint"`
	Owner           Address `json:"owner"`
	Amount          uint64  `json:"amount"`
	Delegate        Address `json:"delegate"`
	DelegatedAmount uint64  `json:"delegatedAmount"`
}

// HasDelegate reports whether a delegate is currently approved.
func (t TokenAccount) HasDelegate() bool {
	return !t.Delegate.IsZero()
}

// Accounts is the token account state a primitive reads and writes.
// Implementations are scoped to one atomic unit of work.
type Accounts interface {
	TokenAccount(addr Address) (TokenAccount, error)
	PutTokenAccount(acct TokenAccount) error
	Mint(addr Address) (Mint, error)
}

// Transfer is the input of TransferChecked.
type Transfer struct {
	Source      Address
	Destination Address
	Mint        Address
	Authority   Address
	Amount      uint64
	Decimals    uint8
}

// TransferChecked moves Amount from Source to Destination. Authority must be
// the source owner or its approved delegate; a delegate spend draws down the
// delegated amount and clears the delegate once it reaches zero. The call
// either applies completely or leaves both accounts untouched.
func TransferChecked(accts Accounts, tr Transfer) error {
	mint, err := accts.Mint(tr.Mint)
	if err != nil {
		return err
	}
	if mint.Decimals != tr.Decimals {
		return fmt.Errorf("transfer %d: %w (mint %d, got %d)", tr.Amount, ErrDecimalsMismatch, mint.Decimals, tr.Decimals)
	}

	src, err := accts.TokenAccount(tr.Source)
	if err != nil {
		return fmt.Errorf("transfer source %s: %w", tr.Source.Short(), err)
	}
	dst, err := accts.TokenAccount(tr.Destination)
	if err != nil {
		return fmt.Errorf("transfer destination %s: %w", tr.Destination.Short(), err)
	}
	if src.Mint != tr.Mint || dst.Mint != tr.Mint {
		return ErrMintMismatch
	}

	switch {
	case tr.Authority == src.Owner:
	case src.HasDelegate() && tr.Authority == src.Delegate:
		if src.DelegatedAmount < tr.Amount {
			return ErrInsufficientDelegation
		}
	default:
		return ErrOwnerMismatch
	}

	if src.Amount < tr.Amount {
		return ErrInsufficientFunds
	}
	if tr.Source == tr.Destination {
		return nil
	}
	if dst.Amount > ^uint64(0)-tr.Amount {
		return ErrOverflow
	}

	src.Amount -= tr.Amount
	if tr.Authority != src.Owner {
		src.DelegatedAmount -= tr.Amount
		if src.DelegatedAmount == 0 {
			src.Delegate = ZeroAddress
		}
	}
	dst.Amount += tr.Amount

	if err := accts.PutTokenAccount(src); err != nil {
		return err
	}
	return accts.PutTokenAccount(dst)
}

// Approve sets delegate as the spender of up to amount from source. Only the
// owner may approve; a new approval replaces the previous one.
func Approve(accts Accounts, source, owner, delegate Address, amount uint64) error {
	acct, err := accts.TokenAccount(source)
	if err != nil {
		return err
	}
	if acct.Owner != owner {
		return ErrOwnerMismatch
	}
	acct.Delegate = delegate
	acct.DelegatedAmount = amount
	return accts.PutTokenAccount(acct)
}

// Revoke clears any approved delegate. Only the owner may revoke.
func Revoke(accts Accounts, source, owner Address) error {
	acct, err := accts.TokenAccount(source)
	if err != nil {
		return err
	}
	if acct.Owner != owner {
		return ErrOwnerMismatch
	}
	acct.Delegate = ZeroAddress
	acct.DelegatedAmount = 0
	return accts.PutTokenAccount(acct)
}
