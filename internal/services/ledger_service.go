package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/ruralpay/cooperative/internal/audit"
	"github.com/ruralpay/cooperative/internal/models"
)

// FeePolicy prices withdrawals as clamp(amount × Rate, Min, Max).
type FeePolicy struct {
	Rate decimal.Decimal
	Min  decimal.Decimal
	Max  decimal.Decimal
}

// WithdrawalFee returns the fee charged on a withdrawal of amount.
func (f FeePolicy) WithdrawalFee(amount decimal.Decimal) decimal.Decimal {
	return models.ClampMoney(models.RoundMoney(amount.Mul(f.Rate)), f.Min, f.Max)
}

// LedgerService owns savings balances and the append-only transaction log.
// Every mutation locks the account rows it validates and commits the entries and the
// new balance together.
type LedgerService struct {
	db        *sql.DB
	fees      FeePolicy
	audit     audit.Sink
	validator *ValidationHelper
	now       func() time.Time
	newRef    func() string
	logger    *log.Entry
}

func NewLedgerService(db *sql.DB, fees FeePolicy, sink audit.Sink) *LedgerService {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &LedgerService{
		db:        db,
		fees:      fees,
		audit:     sink,
		validator: NewValidationHelper(),
		now:       time.Now,
		newRef:    newReference("SAV"),
		logger:    log.WithField("component", "ledger"),
	}
}

func newReference(prefix string) func() string {
	return func() string {
		return prefix + "-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	}
}

const accountColumns = `id, member_id, account_number, opening_balance, balance, minimum_balance,
	interest_rate, interest_method, status, last_interest_date, opened_at, closed_at, closure_reason, version`

func scanAccount(row rowScanner) (*models.SavingsAccount, error) {
	var a models.SavingsAccount
	err := row.Scan(&a.ID, &a.MemberID, &a.AccountNumber, &a.OpeningBalance, &a.Balance, &a.MinimumBalance,
		&a.InterestRate, &a.InterestMethod, &a.Status, &a.LastInterestDate, &a.OpenedAt, &a.ClosedAt,
		&a.ClosureReason, &a.Version)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

var counterMethods = map[string]bool{
	models.MethodCash:         true,
	models.MethodBankTransfer: true,
	models.MethodMobileMoney:  true,
	models.MethodCheque:       true,
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	if !amount.Equal(models.RoundMoney(amount)) {
		return invalid("amount", "must have at most %d decimal places", models.MoneyPlaces)
	}
	return nil
}

func checkActor(actor models.Actor) error {
	if strings.TrimSpace(actor.ID) == "" {
		return invalid("actor", "is required")
	}
	return nil
}

// OpenAccountRequest opens a savings account for a member.
type OpenAccountRequest struct {
	MemberID       models.MemberID       `json:"member_id" validate:"required,gt=0"`
	AccountNumber  string                `json:"account_number" validate:"omitempty,max=32"`
	OpeningBalance decimal.Decimal       `json:"opening_balance" validate:"gte=0"`
	MinimumBalance decimal.Decimal       `json:"minimum_balance" validate:"gte=0"`
	InterestRate   decimal.Decimal       `json:"interest_rate" validate:"gte=0,lte=100"`
	InterestMethod models.InterestMethod `json:"interest_method" validate:"required"`
}

// OpenAccount creates an active account. The opening balance is the base the ledger reconciles against.
func (s *LedgerService) OpenAccount(ctx context.Context, req OpenAccountRequest, actor models.Actor) (*models.SavingsAccount, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Check(&req); err != nil {
		return nil, err
	}
	if !req.InterestMethod.Valid() {
		return nil, invalid("interest_method", "unknown method")
	}
	if req.OpeningBalance.LessThan(req.MinimumBalance) {
		return nil, invalid("opening_balance", "must be at least the minimum balance %s", req.MinimumBalance.StringFixed(2))
	}
	if req.AccountNumber == "" {
		req.AccountNumber = s.newRef()
	}

	now := s.now().UTC()
	account := &models.SavingsAccount{
		MemberID:       req.MemberID,
		AccountNumber:  req.AccountNumber,
		OpeningBalance: models.RoundMoney(req.OpeningBalance),
		Balance:        models.RoundMoney(req.OpeningBalance),
		MinimumBalance: models.RoundMoney(req.MinimumBalance),
		InterestRate:   req.InterestRate,
		InterestMethod: req.InterestMethod,
		Status:         models.AccountActive,
		OpenedAt:       now,
		Version:        1,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO savings_accounts (member_id, account_number, opening_balance, balance, minimum_balance,
			interest_rate, interest_method, status, opened_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		RETURNING id`,
		account.MemberID, account.AccountNumber, account.OpeningBalance, account.Balance, account.MinimumBalance,
		account.InterestRate, account.InterestMethod, account.Status, now,
	).Scan(&account.ID)
	switch {
	case isForeignKeyViolation(err):
		return nil, notFound("member", req.MemberID)
	case isUniqueViolation(err):
		return nil, rule(CodeDuplicateReference, "account number %s already exists", req.AccountNumber)
	case err != nil:
		return nil, storeErr("open account", err)
	}

	s.record(ctx, "open_account", account.ID, actor, now, map[string]any{
		"member_id":       account.MemberID,
		"opening_balance": account.OpeningBalance.StringFixed(2),
	})
	return account, nil
}

// GetAccount reads an account without locking it.
func (s *LedgerService) GetAccount(ctx context.Context, id models.AccountID) (*models.SavingsAccount, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM savings_accounts WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, notFound("account", id)
	}
	if err != nil {
		return nil, storeErr("get account", err)
	}
	return account, nil
}

// Deposit credits amount to an account that accepts deposits.
func (s *LedgerService) Deposit(ctx context.Context, id models.AccountID, amount decimal.Decimal, method string, actor models.Actor) (*models.SavingsTransaction, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if !counterMethods[method] {
		return nil, invalid("method", "unsupported payment method %q", method)
	}

	now := s.now().UTC()
	var entry *models.SavingsTransaction
	err := inTx(ctx, s.db, "deposit", func(tx *sql.Tx) error {
		account, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		if !account.Status.AllowsDeposit() {
			return rule(CodeAccountState, "deposits are not allowed on a %s account", account.Status)
		}

		entry = &models.SavingsTransaction{
			AccountID:       account.ID,
			Type:            models.TxDeposit,
			Amount:          amount,
			BalanceBefore:   account.Balance,
			BalanceAfter:    account.Balance.Add(amount),
			ReferenceNumber: s.newRef(),
			Method:          method,
			Description:     "deposit",
			PerformedBy:     actor.ID,
			CreatedAt:       now,
		}
		if err := s.appendEntry(ctx, tx, entry); err != nil {
			return err
		}
		return s.updateBalance(ctx, tx, account, entry.BalanceAfter)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "deposit", id, actor, now, map[string]any{
		"amount":    amount.StringFixed(2),
		"reference": entry.ReferenceNumber,
		"balance":   entry.BalanceAfter.StringFixed(2),
	})
	s.logger.WithFields(log.Fields{"account_id": id, "reference": entry.ReferenceNumber}).Info("deposit recorded")
	return entry, nil
}

// Withdraw debits amount plus the withdrawal fee. The fee is a separate entry sharing
// the withdrawal's reference number.
func (s *LedgerService) Withdraw(ctx context.Context, id models.AccountID, amount decimal.Decimal, method string, actor models.Actor) (*models.WithdrawalResult, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if !counterMethods[method] {
		return nil, invalid("method", "unsupported payment method %q", method)
	}

	now := s.now().UTC()
	fee := s.fees.WithdrawalFee(amount)
	result := &models.WithdrawalResult{}
	err := inTx(ctx, s.db, "withdraw", func(tx *sql.Tx) error {
		account, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		if !account.Status.AllowsWithdrawal() {
			return rule(CodeAccountState, "withdrawals are not allowed on a %s account", account.Status)
		}

		afterWithdrawal := account.Balance.Sub(amount)
		if afterWithdrawal.IsNegative() {
			return rule(CodeInsufficientBalance, "insufficient balance")
		}
		if afterWithdrawal.Sub(fee).LessThan(account.MinimumBalance) {
			return rule(CodeMinimumBalance, "minimum balance violation: balance after withdrawal and fee of %s would fall below %s",
				fee.StringFixed(2), account.MinimumBalance.StringFixed(2))
		}

		ref := s.newRef()
		result.Withdrawal = models.SavingsTransaction{
			AccountID:       account.ID,
			Type:            models.TxWithdrawal,
			Amount:          amount,
			BalanceBefore:   account.Balance,
			BalanceAfter:    afterWithdrawal,
			ReferenceNumber: ref,
			Method:          method,
			Description:     "withdrawal",
			PerformedBy:     actor.ID,
			CreatedAt:       now,
		}
		if err := s.appendEntry(ctx, tx, &result.Withdrawal); err != nil {
			return err
		}

		final := afterWithdrawal
		if fee.IsPositive() {
			final = afterWithdrawal.Sub(fee)
			result.Fee = &models.SavingsTransaction{
				AccountID:       account.ID,
				Type:            models.TxFee,
				Amount:          fee,
				BalanceBefore:   afterWithdrawal,
				BalanceAfter:    final,
				ReferenceNumber: ref,
				Method:          models.MethodSystem,
				Description:     "withdrawal fee",
				PerformedBy:     actor.ID,
				CreatedAt:       now,
			}
			if err := s.appendEntry(ctx, tx, result.Fee); err != nil {
				return err
			}
		}
		return s.updateBalance(ctx, tx, account, final)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "withdraw", id, actor, now, map[string]any{
		"amount":    amount.StringFixed(2),
		"fee":       fee.StringFixed(2),
		"reference": result.Withdrawal.ReferenceNumber,
	})
	return result, nil
}

// Transfer moves amount between two accounts. Both legs share one reference number and
// commit together. Rows are locked in ascending id order.
func (s *LedgerService) Transfer(ctx context.Context, fromID, toID models.AccountID, amount decimal.Decimal, actor models.Actor) (*models.TransferResult, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if fromID == toID {
		return nil, rule(CodeSameAccount, "cannot transfer to the same account")
	}

	now := s.now().UTC()
	result := &models.TransferResult{}
	err := inTx(ctx, s.db, "transfer", func(tx *sql.Tx) error {
		firstID, secondID := fromID, toID
		if firstID > secondID {
			firstID, secondID = secondID, firstID
		}
		first, err := s.lockAccount(ctx, tx, firstID)
		if err != nil {
			return err
		}
		second, err := s.lockAccount(ctx, tx, secondID)
		if err != nil {
			return err
		}
		from, to := first, second
		if first.ID != fromID {
			from, to = second, first
		}

		if !from.Status.AllowsWithdrawal() {
			return rule(CodeAccountState, "source account is %s", from.Status)
		}
		if !to.Status.AllowsDeposit() {
			return rule(CodeAccountState, "destination account is %s", to.Status)
		}
		fromAfter := from.Balance.Sub(amount)
		if fromAfter.IsNegative() {
			return rule(CodeInsufficientBalance, "insufficient balance")
		}
		if fromAfter.LessThan(from.MinimumBalance) {
			return rule(CodeMinimumBalance, "minimum balance violation: source would fall below %s", from.MinimumBalance.StringFixed(2))
		}

		ref := s.newRef()
		result.Out = models.SavingsTransaction{
			AccountID:       from.ID,
			Type:            models.TxTransferOut,
			Amount:          amount,
			BalanceBefore:   from.Balance,
			BalanceAfter:    fromAfter,
			ReferenceNumber: ref,
			Method:          models.MethodInternal,
			Description:     fmt.Sprintf("transfer to %s", to.AccountNumber),
			PerformedBy:     actor.ID,
			CreatedAt:       now,
		}
		result.In = models.SavingsTransaction{
			AccountID:       to.ID,
			Type:            models.TxTransferIn,
			Amount:          amount,
			BalanceBefore:   to.Balance,
			BalanceAfter:    to.Balance.Add(amount),
			ReferenceNumber: ref,
			Method:          models.MethodInternal,
			Description:     fmt.Sprintf("transfer from %s", from.AccountNumber),
			PerformedBy:     actor.ID,
			CreatedAt:       now,
		}
		if err := s.appendEntry(ctx, tx, &result.Out); err != nil {
			return err
		}
		if err := s.appendEntry(ctx, tx, &result.In); err != nil {
			return err
		}
		if err := s.updateBalance(ctx, tx, from, result.Out.BalanceAfter); err != nil {
			return err
		}
		return s.updateBalance(ctx, tx, to, result.In.BalanceAfter)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "transfer", fromID, actor, now, map[string]any{
		"to_account": toID,
		"amount":     amount.StringFixed(2),
		"reference":  result.Out.ReferenceNumber,
	})
	return result, nil
}

// AccrueInterest credits one period of interest to a single account, or to every
// interest-bearing account when id is nil. Accounts already credited in the current
// period are skipped, so the call can be repeated safely. In the batch form each
// account commits on its own and a failing account does not stop the others.
func (s *LedgerService) AccrueInterest(ctx context.Context, id *models.AccountID, actor models.Actor) (*models.AccrualSummary, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	summary := &models.AccrualSummary{TotalInterest: decimal.Zero}

	if id != nil {
		interest, accrued, err := s.accrueOne(ctx, *id, actor)
		if err != nil {
			return nil, err
		}
		if accrued {
			summary.Processed = 1
			summary.TotalInterest = interest
		} else {
			summary.Skipped = 1
		}
		return summary, nil
	}

	ids, err := s.interestBearingAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, accountID := range ids {
		if ctx.Err() != nil {
			return summary, storeErr("accrue interest", ctx.Err())
		}
		interest, accrued, err := s.accrueOne(ctx, accountID, actor)
		switch {
		case err != nil:
			summary.Failed++
			s.logger.WithError(err).WithField("account_id", accountID).Error("interest accrual failed")
		case accrued:
			summary.Processed++
			summary.TotalInterest = summary.TotalInterest.Add(interest)
		default:
			summary.Skipped++
		}
	}

	s.logger.WithFields(log.Fields{
		"processed": summary.Processed,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
		"total":     summary.TotalInterest.StringFixed(2),
	}).Info("interest accrual finished")
	return summary, nil
}

func (s *LedgerService) interestBearingAccounts(ctx context.Context) ([]models.AccountID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM savings_accounts
		WHERE status IN ('active', 'dormant') AND interest_rate > 0
		ORDER BY id`)
	if err != nil {
		return nil, storeErr("list interest accounts", err)
	}
	defer rows.Close()

	var ids []models.AccountID
	for rows.Next() {
		var id models.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("list interest accounts", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list interest accounts", err)
	}
	return ids, nil
}

func (s *LedgerService) accrueOne(ctx context.Context, id models.AccountID, actor models.Actor) (decimal.Decimal, bool, error) {
	now := s.now().UTC()
	var entry *models.SavingsTransaction
	err := inTx(ctx, s.db, "accrue interest", func(tx *sql.Tx) error {
		account, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		if !account.Status.AllowsDeposit() || !account.InterestRate.IsPositive() {
			return nil
		}
		if !AccrualDue(account.InterestMethod, account.LastInterestDate, now) {
			return nil
		}

		interest, err := PeriodInterest(account.InterestMethod, account.Balance, account.InterestRate)
		if err != nil {
			return err
		}
		if !interest.IsPositive() {
			return nil
		}

		entry = &models.SavingsTransaction{
			AccountID:       account.ID,
			Type:            models.TxInterest,
			Amount:          interest,
			BalanceBefore:   account.Balance,
			BalanceAfter:    account.Balance.Add(interest),
			ReferenceNumber: s.newRef(),
			Method:          models.MethodSystem,
			Description:     fmt.Sprintf("%s interest %s", account.InterestMethod, accrualPeriod(account.InterestMethod, now)),
			PerformedBy:     actor.ID,
			CreatedAt:       now,
		}
		if err := s.appendEntry(ctx, tx, entry); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE savings_accounts
			SET balance = $1, last_interest_date = $2, version = version + 1
			WHERE id = $3 AND version = $4`,
			entry.BalanceAfter, now, account.ID, account.Version)
		if err != nil {
			return err
		}
		return expectOneRow(res, "account "+account.ID.String())
	})
	if err != nil || entry == nil {
		return decimal.Zero, false, err
	}

	s.record(ctx, "accrue_interest", id, actor, now, map[string]any{
		"amount":    entry.Amount.StringFixed(2),
		"reference": entry.ReferenceNumber,
	})
	return entry.Amount, true, nil
}

// CloseAccount pays out any remaining balance as a final withdrawal, with no fee and no
// minimum-balance check, then marks the account closed.
func (s *LedgerService) CloseAccount(ctx context.Context, id models.AccountID, reason string, actor models.Actor) (*models.SavingsAccount, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}

	now := s.now().UTC()
	var closed *models.SavingsAccount
	var payout decimal.Decimal
	err := inTx(ctx, s.db, "close account", func(tx *sql.Tx) error {
		account, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		if !account.Status.Closable() {
			return rule(CodeAccountState, "a %s account cannot be closed", account.Status)
		}

		payout = account.Balance
		if payout.IsPositive() {
			entry := &models.SavingsTransaction{
				AccountID:       account.ID,
				Type:            models.TxWithdrawal,
				Amount:          payout,
				BalanceBefore:   payout,
				BalanceAfter:    decimal.Zero,
				ReferenceNumber: s.newRef(),
				Method:          models.MethodClosure,
				Description:     "account closure: " + reason,
				PerformedBy:     actor.ID,
				CreatedAt:       now,
			}
			if err := s.appendEntry(ctx, tx, entry); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE savings_accounts
			SET balance = 0, status = $1, closed_at = $2, closure_reason = $3, version = version + 1
			WHERE id = $4 AND version = $5`,
			models.AccountClosed, now, reason, account.ID, account.Version)
		if err != nil {
			return err
		}
		if err := expectOneRow(res, "account "+account.ID.String()); err != nil {
			return err
		}

		account.Balance = decimal.Zero
		account.Status = models.AccountClosed
		account.ClosedAt = &now
		account.ClosureReason = &reason
		account.Version++
		closed = account
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "close_account", id, actor, now, map[string]any{
		"reason": reason,
		"payout": payout.StringFixed(2),
	})
	return closed, nil
}

// ListTransactions pages through an account's ledger, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, id models.AccountID, filter models.TransactionFilter) (*models.TransactionPage, error) {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	page, size, offset := pageBounds(filter.Page, filter.PageSize)

	where := []string{"account_id = $1"}
	args := []any{id}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	result := &models.TransactionPage{Page: page, PageSize: size, Items: []models.SavingsTransaction{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM savings_transactions WHERE `+clause, args...).Scan(&result.Total); err != nil {
		return nil, storeErr("count transactions", err)
	}

	args = append(args, size, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, account_id, type, amount, balance_before, balance_after, reference_number, status,
			method, description, performed_by, created_at
		FROM savings_transactions
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t models.SavingsTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.ReferenceNumber, &t.Status, &t.Method, &t.Description, &t.PerformedBy, &t.CreatedAt); err != nil {
			return nil, storeErr("list transactions", err)
		}
		result.Items = append(result.Items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list transactions", err)
	}
	return result, nil
}

// Reconcile recomputes the balance from the opening balance and the confirmed ledger.
func (s *LedgerService) Reconcile(ctx context.Context, id models.AccountID) (*models.Reconciliation, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	var net decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type IN ('deposit', 'transfer_in', 'interest') THEN amount ELSE -amount END), 0)
		FROM savings_transactions
		WHERE account_id = $1 AND status = $2`,
		id, models.TransactionStatusConfirmed).Scan(&net)
	if err != nil {
		return nil, storeErr("reconcile", err)
	}

	expected := account.OpeningBalance.Add(net)
	rec := &models.Reconciliation{
		AccountID:      id,
		OpeningBalance: account.OpeningBalance,
		LedgerNet:      net,
		Expected:       expected,
		Stored:         account.Balance,
		Drift:          account.Balance.Sub(expected),
	}
	if !rec.Balanced() {
		s.logger.WithFields(log.Fields{"account_id": id, "drift": rec.Drift.StringFixed(2)}).Warn("ledger drift detected")
	}
	return rec, nil
}

func (s *LedgerService) lockAccount(ctx context.Context, tx *sql.Tx, id models.AccountID) (*models.SavingsAccount, error) {
	account, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM savings_accounts WHERE id = $1 FOR UPDATE`, id))
	if isNoRows(err) {
		return nil, notFound("account", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock account %d", id)
	}
	return account, nil
}

func (s *LedgerService) appendEntry(ctx context.Context, tx *sql.Tx, entry *models.SavingsTransaction) error {
	entry.Status = models.TransactionStatusConfirmed
	err := tx.QueryRowContext(ctx, `
		INSERT INTO savings_transactions (account_id, type, amount, balance_before, balance_after,
			reference_number, status, method, description, performed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		entry.AccountID, entry.Type, entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		entry.ReferenceNumber, entry.Status, entry.Method, entry.Description, entry.PerformedBy, entry.CreatedAt,
	).Scan(&entry.ID)
	return errors.Wrapf(err, "append %s entry", entry.Type)
}

func (s *LedgerService) updateBalance(ctx context.Context, tx *sql.Tx, account *models.SavingsAccount, balance decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE savings_accounts
		SET balance = $1, version = version + 1
		WHERE id = $2 AND version = $3`,
		balance, account.ID, account.Version)
	if err != nil {
		return err
	}
	return expectOneRow(res, "account "+account.ID.String())
}

func (s *LedgerService) record(ctx context.Context, action string, id models.AccountID, actor models.Actor, at time.Time, details map[string]any) {
	s.audit.Record(ctx, audit.Event{
		Timestamp: at,
		Action:    action,
		Entity:    "savings_account",
		EntityID:  id.String(),
		Actor:     actor.ID,
		Details:   details,
	})
}
