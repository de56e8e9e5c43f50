package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestServerAddr(t *testing.T) {
	config := DefaultServerConfig()
	config.Port = 8123
	s := NewServer(config, Deps{Logger: zaptest.NewLogger(t)})
	assert.Equal(t, ":8123", s.Addr())
}
