package payment

import (
	xerrors "IntelMarket-Chain/internal/errors"
)

const (
	CodePaymentRejected     xerrors.Code = "PAYMENT_REJECTED"
	CodeSigningKeyMissing   xerrors.Code = "SIGNING_KEY_MISSING"
	CodeBudgetExceeded      xerrors.Code = "BUDGET_EXCEEDED"
	CodeChainUnsupported    xerrors.Code = "CHAIN_UNSUPPORTED"
	CodeRequirementsInvalid xerrors.Code = "PAYMENT_REQUIREMENTS_INVALID"
)

func init() {
	xerrors.Register(CodePaymentRejected, xerrors.Attributes{
		Message:  "payment proof rejected",
		Class:    xerrors.ClassPolicy,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSigningKeyMissing, xerrors.Attributes{
		Message:  "signing key unavailable",
		Class:    xerrors.ClassFatal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeBudgetExceeded, xerrors.Attributes{
		Message:  "budget ceiling exceeded",
		Class:    xerrors.ClassPolicy,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeChainUnsupported, xerrors.Attributes{
		Message:  "chain not supported",
		Class:    xerrors.ClassPolicy,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRequirementsInvalid, xerrors.Attributes{
		Message:  "payment requirements invalid",
		Class:    xerrors.ClassValidation,
		Severity: xerrors.SeverityInfo,
	})
}
