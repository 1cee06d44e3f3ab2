package services

import (
	"sort"
	"strings"
)

// Bank is a clearing participant members can receive disbursements into.
type Bank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var clearingBanks = map[string]string{
	"044":    "Access Bank",
	"023":    "Citibank Nigeria",
	"050":    "Ecobank Nigeria",
	"070":    "Fidelity Bank",
	"011":    "First Bank of Nigeria",
	"214":    "First City Monument Bank",
	"00103":  "Globus Bank",
	"058":    "Guaranty Trust Bank",
	"301":    "Jaiz Bank",
	"082":    "Keystone Bank",
	"076":    "Polaris Bank",
	"101":    "Providus Bank",
	"221":    "Stanbic IBTC Bank",
	"068":    "Standard Chartered Bank",
	"232":    "Sterling Bank",
	"032":    "Union Bank of Nigeria",
	"033":    "United Bank For Africa",
	"215":    "Unity Bank",
	"035":    "Wema Bank",
	"057":    "Zenith Bank",
	"090267": "Kuda Microfinance Bank",
	"090405": "Moniepoint MFB",
	"090110": "VFD Microfinance Bank",
	"090286": "Safe Haven MFB",
}

// BankDirectory resolves member bank codes. The zero value uses the built-in list.
type BankDirectory struct {
	banks map[string]string
}

func NewBankDirectory(extra map[string]string) *BankDirectory {
	banks := make(map[string]string, len(clearingBanks)+len(extra))
	for code, name := range clearingBanks {
		banks[code] = name
	}
	for code, name := range extra {
		banks[code] = name
	}
	return &BankDirectory{banks: banks}
}

// Lookup returns the bank name for code.
func (d *BankDirectory) Lookup(code string) (string, bool) {
	banks := clearingBanks
	if d != nil && d.banks != nil {
		banks = d.banks
	}
	name, ok := banks[strings.TrimSpace(code)]
	return name, ok
}

// List returns every bank ordered by name.
func (d *BankDirectory) List() []Bank {
	banks := clearingBanks
	if d != nil && d.banks != nil {
		banks = d.banks
	}
	out := make([]Bank, 0, len(banks))
	for code, name := range banks {
		out = append(out, Bank{Code: code, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Code < out[j].Code
		}
		return out[i].Name < out[j].Name
	})
	return out
}
