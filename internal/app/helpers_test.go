package app

import (
	"io"
	"net"
	"os"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

// memoryConfig возвращает конфигурацию для тестов на in-memory хранилище
// со свободными локальными адресами.
func memoryConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverMemory
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = freeAddr(t)
	cfg.CurrencyQuoteURL = "http://127.0.0.1:1/rates"
	return cfg
}

// freeAddr находит свободный локальный адрес для тестов.
func freeAddr(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().String()
}

func postgresTestDSNCandidate() string {
	return strings.TrimSpace(os.Getenv("STOREFRONT_POSTGRES_TEST_DSN"))
}
