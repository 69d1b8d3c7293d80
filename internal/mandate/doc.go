// Package mandate drives outbound purchases through the ordered stages
// intent, cart, payment and receipt. Every stage is appended to an audit store
// before the next one starts; only the chain's status, spend and failure
// reason change after creation.
package mandate
