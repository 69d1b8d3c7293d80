// Package web3 holds the chain definitions and client abstraction used to
// confirm that a payment transaction referenced by a proof has settled on
// chain with enough confirmations.
package web3
