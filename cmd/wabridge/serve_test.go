package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/wabridge/internal/config"
	"github.com/roelfdiedericks/wabridge/internal/evolution"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

func TestInboundFilter(t *testing.T) {
	cfg := config.Default()
	f := inboundFilter(cfg)
	assert.False(t, f.AllowFromMe)
	assert.True(t, f.IgnoreBroadcast)

	cfg.WhatsApp.Filter = config.FilterConfig{AllowFromMe: true, IgnoreGroups: true, AllowBroadcast: true, Denylist: []string{"123"}}
	f = inboundFilter(cfg)
	assert.True(t, f.AllowFromMe)
	assert.True(t, f.IgnoreGroups)
	assert.False(t, f.IgnoreBroadcast)
	assert.Equal(t, []string{"123"}, f.Denylist)
}

func TestOutboundSender(t *testing.T) {
	cfg := config.Default()

	_, err := outboundSender(cfg, nil)
	assert.Error(t, err)

	mgr := whatsapp.NewManager(whatsapp.Options{})
	defer mgr.Close()
	s, err := outboundSender(cfg, mgr)
	require.NoError(t, err)
	assert.Same(t, mgr, s)

	cfg.Gateway.Outbound = config.OutboundEvolution
	cfg.Evolution = config.EvolutionConfig{BaseURL: "http://evo:8080", Instance: "main"}
	s, err = outboundSender(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &evolution.Client{}, s)

	cfg.Gateway.Outbound = config.OutboundNone
	s, err = outboundSender(cfg, mgr)
	require.NoError(t, err)
	assert.Nil(t, s)
}
