package payment

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "IntelMarket-Chain/internal/errors"
)

func TestSignerRefusals(t *testing.T) {
	keys := newTestKeys(t)
	req := testSource()["oracle"]

	cases := []struct {
		name   string
		signer *Signer
		req    Requirements
		budget BudgetState
		reason RefusalReason
		class  xerrors.Class
	}{
		{"no key", NewSigner(nil, []string{"base-sepolia"}), req, BudgetState{Ceiling: 1_000_000}, RefusalNoSigningKey, xerrors.ClassFatal},
		{"budget", NewSigner(keys, []string{"base-sepolia"}), req, BudgetState{Ceiling: 1_000_000, Spent: 900_000}, RefusalBudgetExceeded, xerrors.ClassPolicy},
		{"chain", NewSigner(keys, []string{"mainnet"}), req, BudgetState{Ceiling: 1_000_000}, RefusalUnsupportedChain, xerrors.ClassPolicy},
		{"requirements", NewSigner(keys, []string{"base-sepolia"}), Requirements{Tier: "oracle"}, BudgetState{Ceiling: 1_000_000}, RefusalInvalidRequirements, xerrors.ClassValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proof, err := tc.signer.BuildProof(context.Background(), tc.req, tc.budget)
			if proof != nil {
				t.Fatalf("expected no proof")
			}
			var refusal *Refusal
			if !stdErrors.As(err, &refusal) || refusal.Reason != tc.reason {
				t.Fatalf("expected refusal %s, got %v", tc.reason, err)
			}
			if xerrors.ClassOf(err) != tc.class {
				t.Fatalf("expected class %s, got %s", tc.class, xerrors.ClassOf(err))
			}
		})
	}
}

func TestSignerExactBudgetAllowed(t *testing.T) {
	keys := newTestKeys(t)
	signer := NewSigner(keys, []string{"base-sepolia"})
	proof, err := signer.BuildProof(context.Background(), testSource()["oracle"], BudgetState{Ceiling: 1_000_000, Spent: 850_000})
	if err != nil {
		t.Fatalf("spending up to the ceiling should be allowed: %v", err)
	}
	if proof.Payer != keys.Address().Hex() {
		t.Fatalf("unexpected payer %s", proof.Payer)
	}
	if err := proof.VerifySignature(); err != nil {
		t.Fatalf("signature should verify: %v", err)
	}
}

func TestParseKeyStore(t *testing.T) {
	if _, err := ParseECDSAKeyStore(""); xerrors.CodeOf(err) != CodeSigningKeyMissing {
		t.Fatalf("expected SIGNING_KEY_MISSING, got %v", err)
	}
	if _, err := ParseECDSAKeyStore("0xzz"); xerrors.CodeOf(err) != CodeSigningKeyMissing {
		t.Fatalf("expected SIGNING_KEY_MISSING, got %v", err)
	}
	keys, err := ParseECDSAKeyStore("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if keys.Address().Hex() != "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23" {
		t.Fatalf("unexpected address %s", keys.Address().Hex())
	}

	t.Setenv("INTELMARKET_TEST_KEY", "")
	if _, err := LoadKeyStoreFromEnv("INTELMARKET_TEST_KEY"); xerrors.CodeOf(err) != CodeSigningKeyMissing {
		t.Fatalf("empty env should be SIGNING_KEY_MISSING, got %v", err)
	}
}
