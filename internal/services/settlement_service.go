package services

import (
	"context"
	"encoding/xml"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ruralpay/cooperative/internal/models"
)

// Debtor identifies the cooperative on outgoing credit transfers.
type Debtor struct {
	Name     string
	BIC      string
	Currency string
}

// SettlementService renders loan disbursements as ISO 20022 pacs.008 credit transfers
// to the borrower's bank account.
type SettlementService struct {
	loans    *LoanService
	members  MemberDirectory
	banks    *BankDirectory
	debtor   Debtor
	now      func() time.Time
	newMsgID func() string
	logger   *log.Entry
}

func NewSettlementService(loans *LoanService, members MemberDirectory, banks *BankDirectory, debtor Debtor) *SettlementService {
	return &SettlementService{
		loans:    loans,
		members:  members,
		banks:    banks,
		debtor:   debtor,
		now:      time.Now,
		newMsgID: func() string { return uuid.New().String() },
		logger:   log.WithField("component", "settlement"),
	}
}

// DisbursementInstruction returns the pacs.008 XML paying the loan principal to the borrower.
// Only approved or active loans can be settled.
func (s *SettlementService) DisbursementInstruction(ctx context.Context, id models.LoanID) (string, error) {
	loan, err := s.loans.GetLoan(ctx, id)
	if err != nil {
		return "", err
	}
	if loan.Status != models.LoanApproved && loan.Status != models.LoanActive {
		return "", rule(CodeLoanState, "loan %s is %s, nothing to disburse", loan.ReferenceNumber, loan.Status)
	}

	member, err := s.members.FindMember(ctx, loan.MemberID)
	if err != nil {
		return "", err
	}
	if member == nil {
		return "", notFound("member", loan.MemberID)
	}
	if member.BankAccount == "" || member.BankCode == "" {
		return "", invalid("bank_account", "member %s has no bank details on file", member.MemberNumber)
	}
	bankName, ok := s.banks.Lookup(member.BankCode)
	if !ok {
		return "", invalid("bank_code", "unknown bank code %q for member %s", member.BankCode, member.MemberNumber)
	}

	doc := s.pacs008(loan, member, bankName)
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal pacs.008")
	}

	s.logger.WithFields(log.Fields{
		"loan_id":   loan.ID,
		"reference": loan.ReferenceNumber,
		"msg_id":    doc.GrpHdr.MsgId,
	}).Info("disbursement instruction generated")
	return xml.Header + string(out), nil
}

func (s *SettlementService) pacs008(loan *models.Loan, member *models.Member, bankName string) *pacs_v08.FIToFICustomerCreditTransferV08 {
	now := s.now().UTC()
	msgID := s.newMsgID()
	amount := pacs_v08.ActiveCurrencyAndAmount{
		Ccy:   common.ActiveCurrencyCode(s.debtor.Currency),
		Value: loan.Principal.Round(models.MoneyPlaces).InexactFloat64(),
	}
	settlementDate := common.ISODate(now)
	instrID := common.Max35Text(msgID[:min(len(msgID), 35)])
	debtorBIC := common.BICFIDec2014Identifier(s.debtor.BIC)
	debtorName := common.Max140Text(s.debtor.Name)
	creditorName := common.Max140Text(member.FullName)
	creditorBank := common.Max140Text(bankName)

	total := amount
	return &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:             common.Max35Text(msgID),
			CreDtTm:           common.ISODateTime(now),
			NbOfTxs:           "1",
			TtlIntrBkSttlmAmt: &total,
			IntrBkSttlmDt:     &settlementDate,
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &instrID,
					EndToEndId: common.Max35Text(loan.ReferenceNumber),
					TxId:       &instrID,
				},
				IntrBkSttlmAmt: amount,
				IntrBkSttlmDt:  &settlementDate,
				ChrgBr:         "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &debtorBIC,
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &debtorName,
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(member.BankCode),
						},
						Nm: &creditorBank,
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &creditorName,
				},
			},
		},
	}
}
