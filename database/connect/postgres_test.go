package connect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/config"
)

func TestDSN(t *testing.T) {
	cfg := &config.Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "p", DBName: "answers"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=answers sslmode=disable", DSN(cfg))
	cfg.DBSSLMode = "require"
	assert.Contains(t, DSN(cfg), "sslmode=require")
}

func TestConnectPostgres_GivesUp(t *testing.T) {
	cfg := &config.Config{DBHost: "127.0.0.1", DBPort: "1", DBUser: "u", DBPassword: "p", DBName: "x"}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	db, err := ConnectPostgres(ctx, zap.NewNop(), cfg, time.Second)
	require.Error(t, err)
	assert.Nil(t, db)
}
