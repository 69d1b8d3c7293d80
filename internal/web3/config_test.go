package web3

import "testing"

func TestParseChainDefinitionsDefaults(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(`
chains:
  base-sepolia:
    rpc_url: https://sepolia.base.org
    chain_id: 84532
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	chain := defs.Chains["base-sepolia"]
	if chain.Type != "evm" || chain.Confirmations != 1 || chain.ChainID != 84532 {
		t.Fatalf("unexpected defaults %+v", chain)
	}
	if _, err := ParseChainDefinitions([]byte("chains:\n  x:\n    type: evm\n")); err == nil {
		t.Fatalf("missing rpc_url should fail")
	}
}
