// Copyright 2025 Certen Protocol
//
// Entrypoint for the StarkEx data-availability committee member service:
// loads configuration, opens the fact store and progress store, derives
// the signing key, and runs the batch validation loop until signalled to
// stop.

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starkware-committee/da-committee/internal/committee"
	"github.com/starkware-committee/da-committee/internal/gateway"
	"github.com/starkware-committee/da-committee/internal/signature"
	"github.com/starkware-committee/da-committee/internal/store"
	"github.com/starkware-committee/da-committee/pkg/config"
)

func main() {
	configPath := flag.String("config", "./config.yml", "path to the committee's YAML configuration file")
	flag.Parse()

	log.Printf("starting committee member, config=%s", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	privateKey, err := loadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		log.Fatalf("load private key: %v", err)
	}
	publicKey, err := signature.PrivateKeyToPublicKey(privateKey)
	if err != nil {
		log.Fatalf("derive public key: %v", err)
	}
	log.Printf("committee member public key: x=0x%x", publicKey.X.Bytes())

	vaultsKV, closeVaults, err := openKV(cfg.StorageBackend, cfg.StorageDir, "vaults")
	if err != nil {
		log.Fatalf("open vaults store: %v", err)
	}
	defer closeVaults()

	ordersKV, closeOrders, err := openKV(cfg.StorageBackend, cfg.StorageDir, "orders")
	if err != nil {
		log.Fatalf("open orders store: %v", err)
	}
	defer closeOrders()

	progress, err := store.NewProgressStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open progress store: %v", err)
	}
	defer progress.Close()

	gatewayClient, err := newGatewayClient(cfg)
	if err != nil {
		log.Fatalf("build gateway client: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := committee.NewMetrics(registry)

	member, err := committee.New(committee.Config{
		Gateway:        gatewayClient,
		Progress:       progress,
		VaultsKV:       vaultsKV,
		OrdersKV:       ordersKV,
		VaultsHeight:   cfg.VaultsMerkleHeight,
		OrdersHeight:   cfg.OrdersMerkleHeight,
		PrivateKey:     privateKey,
		MemberKeyHex:   fmt.Sprintf("0x%x", publicKey.X.Bytes()),
		PollInterval:   cfg.PollingInterval,
		NonceMode:      signature.DeterministicNonce,
		Metrics:        metrics,
		ValidateOrders: cfg.ValidateOrders,
	})
	if err != nil {
		log.Fatalf("construct committee: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- member.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Printf("shutdown signal received")
		cancel()
		<-done
	case err := <-done:
		cancel()
		if err != nil {
			log.Fatalf("committee loop exited: %v", err)
		}
	}

	log.Printf("committee member stopped")
}

// loadPrivateKey reads a hex-encoded StarkEx private key from path.
func loadPrivateKey(path string) (*big.Int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	hexStr := strings.TrimSpace(string(data))
	hexStr = strings.TrimPrefix(hexStr, "0x")
	key, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		return nil, fmt.Errorf("malformed private key in %q", path)
	}
	return key, nil
}

// openKV opens the fact store backend selected by STORAGE_BACKEND: an
// in-memory cometbft-db memdb, or a persistent goleveldb store rooted at
// storageDir/name.
func openKV(backend, storageDir, name string) (store.KV, func(), error) {
	var db dbm.DB
	var err error
	switch backend {
	case "memory":
		db, err = dbm.NewDB(name, dbm.MemDBBackend, storageDir)
	case "leveldb":
		db, err = dbm.NewDB(name, dbm.GoLevelDBBackend, storageDir)
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s db: %w", name, err)
	}
	kv := store.NewCometKV(db)
	return kv, func() {
		if cerr := kv.Close(); cerr != nil {
			log.Printf("close %s store: %v", name, cerr)
		}
	}, nil
}

// newGatewayClient builds the availability gateway HTTP client, optionally
// pinning a client certificate bundle for mutual TLS.
func newGatewayClient(cfg *config.Config) (*gateway.Client, error) {
	client := gateway.NewClient(cfg.AvailabilityGatewayEndpoint, 30*time.Second)
	if cfg.CertificatesPath == "" {
		return client, nil
	}

	pool := x509.NewCertPool()
	pem, err := os.ReadFile(cfg.CertificatesPath)
	if err != nil {
		return nil, fmt.Errorf("read certificates %q: %w", cfg.CertificatesPath, err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no valid certificates found in %q", cfg.CertificatesPath)
	}
	return gateway.NewClientWithTLS(cfg.AvailabilityGatewayEndpoint, 30*time.Second,
		&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}
