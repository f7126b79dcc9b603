package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woclouds/wopan/gateway"
)

func TestListenAddrPrecedence(t *testing.T) {
	// default: --host/--port are combined
	assert.Equal(t, "0.0.0.0:8000", listenAddr(false))

	// an explicit --addr wins over --host/--port
	old := serverCfg
	defer func() { serverCfg = old }()
	serverCfg.ListenAddr = "127.0.0.1:9100"
	assert.Equal(t, "127.0.0.1:9100", listenAddr(true))
	assert.Equal(t, "0.0.0.0:8000", listenAddr(false))
}

func TestAddrFlagRegistered(t *testing.T) {
	flags := commandDefinition.Flags()
	require.NotNil(t, flags.Lookup("addr"))
	require.NotNil(t, flags.Lookup("host"))
	require.NotNil(t, flags.Lookup("port"))
	assert.Equal(t, gateway.DefaultCfg().ListenAddr, flags.Lookup("addr").DefValue)
}
