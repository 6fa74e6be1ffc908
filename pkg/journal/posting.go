// Package journal records every economic event as one balanced double-entry posting.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/mntex/pkg/app/core"
)

// Currency is the commodity every amount is denominated in.
const Currency = "MNT"

// ErrConflict means a posting id was reused with different content.
var ErrConflict = errors.New("journal: posting id reused with different content")

type Kind string

const (
	KindTrade       Kind = "trade"
	KindDeposit     Kind = "deposit"
	KindWithdrawal  Kind = "withdrawal"
	KindMargin      Kind = "margin"
	KindSettlement  Kind = "settlement"
	KindFunding     Kind = "funding"
	KindLiquidation Kind = "liquidation"
)

// Chart of accounts.
const (
	ExchangeBank   = "Assets:Exchange:Bank:MNT"
	CustomerPayout = "Expenses:Trading:CustomerPayout"
	CustomerLoss   = "Revenue:Trading:CustomerLoss"
	FundingRevenue = "Revenue:Trading:Funding"
)

func CustomerBalance(owner string) string { return "Liabilities:Customer:" + owner + ":Balance" }
func CustomerMargin(owner string) string  { return "Assets:Customer:" + owner + ":Margin" }

// Line is one leg of a posting. Positive amounts are debits.
type Line struct {
	Account string
	Amount  decimal.Decimal
}

func Debit(account string, amount decimal.Decimal) Line  { return Line{Account: account, Amount: amount} }
func Credit(account string, amount decimal.Decimal) Line { return Line{Account: account, Amount: amount.Neg()} }

type Posting struct {
	ID    int64
	Kind  Kind
	Ref   string // originating trade, order or position
	Time  time.Time
	Lines []Line
}

// Journal appends postings durably. Append must be idempotent by posting id.
type Journal interface {
	Append(ctx context.Context, p Posting) error
}

// Validate requires at least two legs summing to zero.
func (p Posting) Validate() error {
	if p.Kind == "" {
		return errors.Wrap(core.ErrValidation, "posting kind is required")
	}
	if len(p.Lines) < 2 {
		return errors.Wrapf(core.ErrInvariant, "%s posting %q has %d lines", p.Kind, p.Ref, len(p.Lines))
	}
	sum := decimal.Zero
	for _, l := range p.Lines {
		if l.Account == "" {
			return errors.Wrapf(core.ErrInvariant, "%s posting %q has a line without account", p.Kind, p.Ref)
		}
		sum = sum.Add(l.Amount)
	}
	if !sum.IsZero() {
		return errors.Wrapf(core.ErrInvariant, "%s posting %q is unbalanced by %s", p.Kind, p.Ref, sum)
	}
	return nil
}

// Digest identifies the posting content; retries of the same posting share it.
func (p Posting) Digest() [32]byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%s|%d", p.ID, p.Kind, p.Ref, p.Time.UnixNano())
	for _, l := range p.Lines {
		fmt.Fprintf(&b, "|%s=%s", l.Account, l.Amount.String())
	}
	return sha3.Sum256([]byte(b.String()))
}

// Ledger renders the posting in ledger-cli syntax.
func (p Posting) Ledger() string {
	var b strings.Builder
	desc := string(p.Kind)
	if p.Ref != "" {
		desc += " " + p.Ref
	}
	fmt.Fprintf(&b, "%s * %s\n", p.Time.UTC().Format("2006/01/02"), desc)
	fmt.Fprintf(&b, "    ; id: %d\n", p.ID)
	fmt.Fprintf(&b, "    ; time: %s\n", p.Time.UTC().Format(time.RFC3339Nano))
	for _, l := range p.Lines {
		fmt.Fprintf(&b, "    %-48s %s %s\n", l.Account, l.Amount.String(), Currency)
	}
	return b.String()
}

// Amount returns the signed total of the lines booked to account.
func (p Posting) Amount(account string) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range p.Lines {
		if l.Account == account {
			sum = sum.Add(l.Amount)
		}
	}
	return sum
}

// TradeLines moves the notional from the buyer's balance to the seller's.
func TradeLines(t core.Trade) []Line {
	n := t.Notional()
	return []Line{
		Debit(CustomerBalance(t.Buyer), n),
		Credit(CustomerBalance(t.Seller), n),
	}
}
