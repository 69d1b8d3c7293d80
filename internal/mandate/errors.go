package mandate

import (
	xerrors "IntelMarket-Chain/internal/errors"
)

const (
	CodeChainNotFound    xerrors.Code = "MANDATE_NOT_FOUND"
	CodeStageOrder       xerrors.Code = "STAGE_ORDER"
	CodeChainTerminal    xerrors.Code = "CHAIN_TERMINAL"
	CodeCartExpired      xerrors.Code = "CART_EXPIRED"
	CodePriceMismatch    xerrors.Code = "PRICE_MISMATCH"
	CodeRemoteCallFailed xerrors.Code = "REMOTE_CALL_FAILED"
	CodeRemoteRejected   xerrors.Code = "REMOTE_REJECTED"
)

var (
	// ErrChainNotFound 表示会话不存在。
	ErrChainNotFound = xerrors.New(CodeChainNotFound, "mandate chain not found")
	// ErrChainTerminal 表示会话已经处于终态。
	ErrChainTerminal = xerrors.New(CodeChainTerminal, "mandate chain already terminal")
	// ErrStageOrder 表示阶段顺序或关联关系非法。
	ErrStageOrder = xerrors.New(CodeStageOrder, "mandate stage out of order")
)

func init() {
	xerrors.Register(CodeChainNotFound, xerrors.Attributes{
		Message:  "mandate chain not found",
		Class:    xerrors.ClassValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStageOrder, xerrors.Attributes{
		Message:  "mandate stage out of order",
		Class:    xerrors.ClassValidation,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeChainTerminal, xerrors.Attributes{
		Message:  "mandate chain already terminal",
		Class:    xerrors.ClassPolicy,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCartExpired, xerrors.Attributes{
		Message:  "cart validity window elapsed",
		Class:    xerrors.ClassPolicy,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePriceMismatch, xerrors.Attributes{
		Message:  "cart price differs from current catalog price",
		Class:    xerrors.ClassPolicy,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRemoteCallFailed, xerrors.Attributes{
		Message:  "remote paid call failed",
		Class:    xerrors.ClassTransient,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeRemoteRejected, xerrors.Attributes{
		Message:  "remote endpoint rejected payment",
		Class:    xerrors.ClassPolicy,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}
