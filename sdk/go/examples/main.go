package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/pricing"
	"IntelMarket-Chain/sdk/go/intelclient"
)

// 演示买方如何读取价目、接收 402 质询并携带签名凭证重新请求。
func main() {
	announcement := pricing.Announcement{
		Version:  "demo",
		Currency: "USDC",
		Decimals: 6,
		Chain:    "base-sepolia",
		PayTo:    "0x1111111111111111111111111111111111111111",
		Tiers: []pricing.TierAnnouncement{{
			ID:          "sensor-snapshot",
			Kind:        "sensor",
			Price:       "0.005",
			Amount:      5000,
			TTLSeconds:  30,
			Description: "demo snapshot",
			Endpoint:    "/api/v1/intel/sensor-snapshot",
		}},
	}
	req, _ := announcement.Requirements("sensor-snapshot")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/pricing", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(announcement)
	})
	mux.HandleFunc("/api/v1/intel/sensor-snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(payment.HeaderName) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(payment.Challenge{Reason: payment.ReasonMissingProof, Requirements: req})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"site": "harbor-7", "wind_mps": "6.2"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := intelclient.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	quote, err := intelclient.NewRemoteCatalog(client, time.Minute).Quote(ctx, "sensor-snapshot")
	if err != nil {
		panic(err)
	}
	fmt.Printf("quoted %s %s for %s\n", quote.Price, quote.Currency, quote.Tier)

	_, err = client.Fetch(ctx, quote.Endpoint, "")
	var challenge *intelclient.PaymentRequiredError
	if !errors.As(err, &challenge) {
		panic(fmt.Sprintf("expected payment challenge, got %v", err))
	}
	fmt.Printf("challenged: pay %d to %s\n", challenge.Requirements.Amount, challenge.Requirements.PayTo)

	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	signer := payment.NewSigner(payment.NewECDSAKeyStore(key), []string{"base-sepolia"})
	proof, err := signer.BuildProof(ctx, challenge.Requirements, payment.BudgetState{Ceiling: 1_000_000})
	if err != nil {
		panic(err)
	}
	header, err := proof.Encode()
	if err != nil {
		panic(err)
	}

	payload, err := client.Fetch(ctx, quote.Endpoint, header)
	if err != nil {
		panic(err)
	}
	fmt.Printf("paid as %s, received %s", signer.Address().Hex(), payload)
}
